package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/gotd/td/session"
	"github.com/gotd/td/session/tdesktop"
	"github.com/mdp/qrterminal/v3"

	"github.com/blockedby/tg-crawler/internal/config"
	"github.com/blockedby/tg-crawler/internal/database"
	"github.com/blockedby/tg-crawler/internal/logger"
	"github.com/blockedby/tg-crawler/internal/telegram"
)

func main() {
	fmt.Println("=== telegram auth tool ===")
	fmt.Println("this tool logs the crawler account in and stores the session in SESSION_DB")
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fail("load config", err)
	}
	if err := logger.Init("warn", ""); err != nil {
		fail("init logger", err)
	}

	reader := bufio.NewReader(os.Stdin)
	if cfg.TGApiID == 0 || cfg.TGApiHash == "" {
		cfg.TGApiID, cfg.TGApiHash = promptAPICredentials(reader)
	}

	db, err := database.Open(cfg.SessionDB)
	if err != nil {
		fail("open session database", err)
	}
	defer db.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	manager := telegram.NewManager(cfg, db.GORM)
	if err := manager.Init(ctx); err != nil {
		fail("restore session", err)
	}
	if manager.GetStatus() == telegram.StatusReady {
		fmt.Printf("a valid session already exists in %s\n", cfg.SessionDB)
		fmt.Print("log in again anyway? [y/N]: ")
		if answer := readLine(reader); !strings.EqualFold(answer, "y") {
			manager.Stop()
			return
		}
		manager.Stop()
		if err := db.GORM.Exec("DELETE FROM sessions").Error; err != nil {
			fail("clear session", err)
		}
	}

	// try to detect telegram desktop
	tdataPath := telegramDesktopPath()
	accounts, tdataErr := tdesktop.Read(tdataPath, nil)
	if tdataErr != nil || len(accounts) == 0 {
		accounts = nil
	}

	fmt.Println("choose authentication method:")
	fmt.Println("  1. scan a QR code with the telegram app (recommended)")
	fmt.Println("  2. phone number and login code")
	if accounts != nil {
		fmt.Printf("  3. import telegram desktop session (%d found at %s)\n", len(accounts), tdataPath)
	}
	fmt.Print("\nenter choice [1]: ")

	switch readLine(reader) {
	case "2":
		err = authWithPhone(cfg, db, reader)
	case "3":
		if accounts == nil {
			err = errors.New("no telegram desktop session found")
			break
		}
		err = authWithTData(ctx, manager, accounts, reader)
	default:
		err = authWithQR(ctx, manager)
	}
	if err != nil {
		fail("authentication failed", err)
	}

	if err := manager.Init(ctx); err != nil || manager.GetStatus() != telegram.StatusReady {
		fail("verify session", errors.Join(err, errors.New("stored session could not be used")))
	}
	self := manager.GetClient().Self
	manager.Stop()

	fmt.Println("\n✓ authentication successful!")
	fmt.Printf("logged in as: @%s (id %d)\n", self.Username, self.ID)
	fmt.Printf("session stored in %s\n", cfg.SessionDB)
	fmt.Println("\n⚠️  keep this file secret! it provides full access to your telegram account")
}

// authWithQR renders login tokens until the app confirms the login.
func authWithQR(ctx context.Context, manager *telegram.Manager) error {
	fmt.Println("\nopen telegram on your phone: settings → devices → link desktop device")
	return manager.StartQR(ctx, func(url string) {
		fmt.Println()
		qrterminal.GenerateHalfBlock(url, qrterminal.L, os.Stdout)
		fmt.Println("waiting for the code to be scanned (it refreshes automatically)...")
	})
}

// authWithPhone runs gotgproto's interactive code flow directly against the
// session database.
func authWithPhone(cfg *config.Config, db *database.DB, reader *bufio.Reader) error {
	fmt.Print("enter your phone number (with country code, e.g. +1234567890): ")
	phone := readLine(reader)
	if phone == "" {
		return errors.New("phone number is required")
	}

	fmt.Println("\nauthenticating... (check telegram for code)")
	client, err := gotgproto.NewClient(
		cfg.TGApiID,
		cfg.TGApiHash,
		gotgproto.ClientTypePhone(phone),
		&gotgproto.ClientOpts{
			Session:          sessionMaker.SqlSession(db.GORM.Dialector),
			DisableCopyright: true,
		},
	)
	if err != nil {
		return err
	}
	client.Stop()
	return nil
}

// authWithTData imports the auth key of a telegram desktop account.
func authWithTData(ctx context.Context, manager *telegram.Manager, accounts []tdesktop.Account, reader *bufio.Reader) error {
	selected := accounts[0]
	if len(accounts) > 1 {
		fmt.Printf("\nfound %d telegram accounts:\n", len(accounts))
		for i := range accounts {
			fmt.Printf("  %d. Account #%d\n", i+1, i+1)
		}
		fmt.Print("\nselect account number [1]: ")
		if n, err := strconv.Atoi(readLine(reader)); err == nil && n >= 1 && n <= len(accounts) {
			selected = accounts[n-1]
		}
	}

	data, err := session.TDesktopSession(selected)
	if err != nil {
		return fmt.Errorf("convert telegram desktop session: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return manager.SaveSession(data)
}

// telegramDesktopPath returns the path to the Telegram Desktop data directory.
func telegramDesktopPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Telegram Desktop", "tdata")
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "Telegram Desktop", "tdata")
	default: // linux
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "TelegramDesktop", "tdata")
	}
}

// promptAPICredentials asks for the api id and hash missing from the environment.
func promptAPICredentials(reader *bufio.Reader) (int, string) {
	fmt.Print("enter your api_id (from https://my.telegram.org): ")
	apiID, err := strconv.Atoi(readLine(reader))
	if err != nil {
		fail("invalid api_id", err)
	}
	fmt.Print("enter your api_hash: ")
	apiHash := readLine(reader)
	if apiHash == "" {
		fail("invalid api_hash", errors.New("empty"))
	}
	return apiID, apiHash
}

func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}

func fail(what string, err error) {
	fmt.Printf("error: %s: %v\n", what, err)
	os.Exit(1)
}
