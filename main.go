package main

import "github.com/torrentchain/torrentchain/cmd/torrentchain"

func main() {
	torrentchain.Execute()
}
