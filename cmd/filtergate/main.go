// Command filtergate runs the filter-chain HTTP gateway.
package main

import "github.com/Sentinel-Gate/filtergate/cmd/filtergate/cmd"

func main() {
	cmd.Execute()
}
