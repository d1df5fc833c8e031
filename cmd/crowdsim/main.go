package main

import "github.com/arl/crowdsim/cmd/crowdsim/cmd"

func main() {
	cmd.Execute()
}
