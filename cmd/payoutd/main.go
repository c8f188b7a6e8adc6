package main

import (
	"log"

	"whitelistpayouts/services/payoutd"
)

func main() {
	if err := payoutd.Main(); err != nil {
		log.Fatalf("payoutd: %v", err)
	}
}
