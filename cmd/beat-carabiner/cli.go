package main

import (
	"fmt"
	"os"

	"github.com/brunchboy/beat-carabiner/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("beat-carabiner %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	default:
		return false
	}
}

func cliStatus(dbPath string) bool {
	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	port, _, _ := st.GetSetting(store.KeyCarabinerPort)
	if port == "" {
		port = "17000"
	}
	n, _ := st.SessionCount()
	fmt.Printf("Carabiner port: %s\n", port)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Recorded sessions: %d\n", n)
	if sessions, err := st.RecentSessions(1); err == nil && len(sessions) > 0 {
		s := sessions[0]
		end := "still open"
		if s.DisconnectedAt != nil {
			end = s.DisconnectedAt.Format("2006-01-02 15:04:05")
			if s.Unexpected {
				end += " (daemon closed first)"
			}
		}
		fmt.Printf("Last session: %s → %s\n", s.ConnectedAt.Format("2006-01-02 15:04:05"), end)
	}
	fmt.Printf("Version: %s\n", Version)
	return true
}
