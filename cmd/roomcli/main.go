package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"emberroom/go-backend/internal/identity"
	"emberroom/go-backend/internal/platform/privacylog"
	"emberroom/go-backend/internal/session"
	"emberroom/go-backend/pkg/models"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	relayURL := flag.String("relay", "ws://127.0.0.1:8321", "relay base URL")
	roomID := flag.String("room", "", "room identifier (required)")
	name := flag.String("name", "anon", "display name")
	create := flag.Bool("create", false, "create the room")
	ephemeral := flag.Bool("ephemeral", false, "destroy the room when the last member leaves")
	dataDir := flag.String("data-dir", defaultDataDir(), "directory for local state")
	pinTimeout := flag.Int("pin-timeout", 0, "require a PIN after this many idle minutes (5, 15 or 30)")
	restorePath := flag.String("restore-backup", "", "restore the device seed from a sealed backup file, then connect")
	flag.Parse()
	if *showVersion {
		fmt.Printf("emberroom-cli version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}
	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "-room is required")
		os.Exit(2)
	}

	if *restorePath != "" {
		if err := restoreSeed(*dataDir, *restorePath); err != nil {
			fmt.Fprintln(os.Stderr, "restore failed:", err)
			os.Exit(1)
		}
	}

	log := slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	policy := models.PinPolicy{}
	if *pinTimeout > 0 {
		policy = models.PinPolicy{Required: true, InactivityTimeoutMinutes: *pinTimeout}
		if !policy.Valid() {
			fmt.Fprintln(os.Stderr, "pin-timeout must be 5, 15 or 30")
			os.Exit(2)
		}
	}

	done := make(chan struct{})
	sess := session.New(session.Options{
		RoomID:      *roomID,
		DisplayName: *name,
		Create:      *create,
		Ephemeral:   *ephemeral,
		DataDir:     *dataDir,
		PinPolicy:   policy,
	}, &session.WebsocketDialer{BaseURL: *relayURL}, nil, log, session.Handlers{
		OnMessage: printMessage,
		OnEvent: func(ev session.Event) {
			switch ev.Kind {
			case session.EventRoomDestroyed:
				fmt.Println("* room destroyed:", ev.Reason)
				close(done)
			case session.EventRoomNotFound:
				fmt.Println("* room not found (use -create to open a new room)")
				close(done)
			case session.EventReconnectFailed:
				fmt.Println("* relay unreachable, giving up")
				close(done)
			case session.EventWiped:
				fmt.Println("* too many failed PIN attempts, local state wiped")
				close(done)
			case session.EventLocked:
				fmt.Println("* locked; /unlock <pin> to continue")
			case session.EventUnlocked:
				fmt.Println("* unlocked")
			case session.EventRotated:
				fmt.Println("* group key rotated:", ev.Reason)
			}
		},
	})

	if err := sess.Connect(); err != nil {
		fmt.Fprintln(os.Stderr, "connect failed:", err)
		os.Exit(1)
	}
	defer sess.Close()
	fmt.Printf("joined %s as %s (%s)\n", *roomID, *name, sess.IdentityKey())

	go readInput(sess, *dataDir, done)
	<-done
}

func printMessage(m models.DecodedMessage) {
	when := m.Timestamp.Local().Format("15:04:05")
	switch {
	case m.DecryptionFailed:
		fmt.Printf("[%s] %s: <unreadable message>\n", when, shortKey(m.SenderKey))
	case m.Event != "":
		fmt.Printf("[%s] * %s: %s\n", when, shortKey(m.SenderKey), m.Event)
	default:
		fmt.Printf("[%s] %s: %s\n", when, shortKey(m.SenderKey), m.Text)
	}
}

func readInput(sess *session.Session, dataDir string, done chan struct{}) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sess.Activity()

		if !strings.HasPrefix(line, "/") {
			if err := sess.Send(line); err != nil {
				fmt.Println("! send failed:", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		switch cmd {
		case "quit":
			close(done)
			return
		case "rotate":
			if arg == "" {
				arg = "manual"
			}
			if err := sess.Rotate(arg); err != nil {
				fmt.Println("! rotate failed:", err)
			}
		case "destroy":
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := sess.RequestDestroy(ctx)
			cancel()
			if err != nil {
				fmt.Println("! destroy failed:", err)
			}
		case "lock":
			sess.Lock()
		case "unlock":
			if err := sess.UnlockWithPIN(arg); err != nil {
				fmt.Println("! unlock failed:", err)
			}
		case "setpin":
			if err := sess.SetPIN(arg); err != nil {
				fmt.Println("! setpin failed:", err)
			} else {
				fmt.Println("* pin set")
			}
		case "backup":
			if err := writeBackup(dataDir, arg); err != nil {
				fmt.Println("! backup failed:", err)
			}
		default:
			fmt.Println("commands: /rotate [reason] /destroy /lock /unlock <pin> /setpin <pin> /backup <passphrase> /quit")
		}
	}
}

// writeBackup exports the device seed sealed under a passphrase, so the
// identity can be restored on new storage.
func writeBackup(dataDir, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("a passphrase is required")
	}
	seed, _, err := identity.LoadOrCreate(filepath.Join(dataDir, "seed"))
	if err != nil {
		return err
	}
	data, err := seed.ExportBackup(passphrase)
	if err != nil {
		return err
	}
	path := filepath.Join(dataDir, "seed.backup")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	fmt.Println("* backup written to", path)
	return nil
}

// restoreSeed imports a sealed backup into the data dir, so a device with
// fresh storage picks up its prior identity on the next connect.
func restoreSeed(dataDir, backupPath string) error {
	data, err := os.ReadFile(backupPath)
	if err != nil {
		return err
	}
	fmt.Print("backup passphrase: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return fmt.Errorf("no passphrase given")
	}
	if _, err := identity.RestoreBackup(filepath.Join(dataDir, "seed"), strings.TrimSpace(scanner.Text()), data); err != nil {
		return err
	}
	fmt.Println("* seed restored")
	return nil
}

func shortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "emberroom")
	}
	return "emberroom-data"
}
