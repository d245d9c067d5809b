package main

import "github.com/frahmantamala/crowdfunding-payments/cmd"

func main() {
	cmd.Execute()
}
