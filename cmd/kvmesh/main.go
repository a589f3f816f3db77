package main

import "github.com/ValentinKolb/kvmesh/cmd"

func main() {
	cmd.Execute()
}
