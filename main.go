package main

import "github.com/minhvu-dev/account-provisioner/cmd"

func main() {
	cmd.Execute()
}
