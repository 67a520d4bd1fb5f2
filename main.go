// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("🚀 go-deltasync - Delta Query Synchronization Library")
	fmt.Println("=====================================================")
	fmt.Println()
	fmt.Println("go-deltasync keeps a local copy of a remote paged collection up to date:")
	fmt.Println("one full snapshot, then only the changes since the last stored delta cursor.")
	fmt.Println()

	fmt.Println("📦 Packages:")
	fmt.Println("   deltasync    - fetcher, cursor store, applier and the sync state machine")
	fmt.Println("   deltasqlite  - SQLite cursor store and projection")
	fmt.Println("   deltapg      - PostgreSQL cursor store and projection")
	fmt.Println("   deltaredis   - Redis cursor store and projection")
	fmt.Println("   deltaserver  - reference delta query server")
	fmt.Println()

	fmt.Println("📚 Available Examples:")
	fmt.Println()
	fmt.Println("1. 🌐 Delta Server (examples/deltaserver/)")
	fmt.Println("   In-memory directory served through delta query endpoints")
	fmt.Println("   Features: JWT auth, paging, token expiry, simulated replication lag")
	fmt.Println("   Run: go run ./examples/deltaserver")
	fmt.Println()

	fmt.Println("2. 📱 Delta Client (examples/deltaclient/)")
	fmt.Println("   Full sync, then create and delete a user and watch both arrive through delta")
	fmt.Println("   Features: memory, sqlite, postgres or redis cursor stores")
	fmt.Println("   Run: go run ./examples/deltaclient -store sqlite")
	fmt.Println()
}
