package main

import "github.com/netlab/dhcpsim/internal/cmd"

func main() {
	cmd.Main()
}
