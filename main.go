package main

import "github.com/Technologic101/resonance-detector-sub000/cmd"

func main() {
	cmd.Execute()
}
