// bbsadm manages terminal login accounts in the bbsd database.
//
// Usage:
//
//	bbsadm -db bbs.db adduser <callsign>
//	bbsadm -db bbs.db passwd <callsign>
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/kd9lq/packetbbs/internal/callsign"
	"github.com/kd9lq/packetbbs/internal/store"
)

func main() {
	dbFile := flag.String("db", "bbs.db", "path to the bbsd SQLite database")
	flag.Parse()

	if err := run(*dbFile, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "bbsadm: %v\n", err)
		os.Exit(1)
	}
}

func run(dbFile string, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: bbsadm [-db file] adduser|passwd <callsign>")
	}
	cmd, user := args[0], args[1]

	if !callsign.IsValid(user) {
		return fmt.Errorf("invalid callsign %q", user)
	}
	user = callsign.Normalize(user)

	db, err := store.Open(dbFile)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	switch cmd {
	case "adduser":
		password, err := promptPassword(user)
		if err != nil {
			return err
		}
		if err := db.AddUser(user, password); err != nil {
			return err
		}
		fmt.Printf("added %s\n", user)
		return nil
	case "passwd":
		password, err := promptPassword(user)
		if err != nil {
			return err
		}
		changed, err := db.ChangePassword(user, password)
		if err != nil {
			return err
		}
		if !changed {
			return fmt.Errorf("%w: %s", store.ErrUserNotFound, user)
		}
		fmt.Printf("password updated for %s\n", user)
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected adduser or passwd)", cmd)
	}
}

// promptPassword reads and confirms a password without echo.
func promptPassword(user string) (string, error) {
	fmt.Printf("Password for %s: ", user)
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	fmt.Print("Retype password: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("empty password")
	}
	return string(first), nil
}
