package main

import "github.com/dsav-dodeka/dodeka-oauth/cmd/dodeka-oauth/cmd"

func main() {
	cmd.Execute()
}
