package main

import (
	"fmt"
)

func main() {
	fmt.Println("XA Participant - per-connection XA and local transaction state machine")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  Recovery tool:  go run ./cmd/xarecover <command> --dsn=postgres://user@host/db")
	fmt.Println("")
	fmt.Println("xarecover Commands:")
	fmt.Println("  scan                          - List prepared branches and recorded decisions")
	fmt.Println("  resolve                       - Complete branches that have a recorded decision")
	fmt.Println("  decide <xid> <commit|rollback> - Record a transaction manager decision")
	fmt.Println("  watch --interval=30s          - Resolve periodically, serve metrics with --metrics-listen")
	fmt.Println("")
	fmt.Println("Library packages:")
	fmt.Println("  pkg/participant  - local, two-phase and one-phase resources over one connection")
	fmt.Println("  pkg/pgxa         - PostgreSQL connection and native XA resource (pgx)")
	fmt.Println("  pkg/recovery     - in-doubt scan, decision log and resolver")
}
