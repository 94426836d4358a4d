package main

import (
	"fmt"
)

func main() {
	fmt.Println("twopc-commit - three-role two-phase commit protocol")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  Interactive launcher: go run ./cmd/launcher")
	fmt.Println("  Primary coordinator:  go run ./cmd/coordinator --participants=2 --failsafe-addr=localhost:8006 --employee-name=Ada --salary=1000")
	fmt.Println("  Fail-safe coordinator: go run ./cmd/failsafe --participants=2")
	fmt.Println("  Participant:           go run ./cmd/participant --coordinator-addr=localhost:8005 --failsafe-addr=localhost:8006")
	fmt.Println("")
	fmt.Println("Every role also serves GET /healthz on a configurable side port (see --health-addr).")
}
