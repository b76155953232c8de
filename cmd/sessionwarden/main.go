package main

import "github.com/sessionwarden/sessionwarden/cmd/sessionwarden/cmd"

func main() {
	cmd.Execute()
}
