// Command chatengine runs one or more configured email accounts as
// chat peers: for each account in the config file it opens (or
// creates) that account's sqlite database, wires every core/
// component around it, and starts the I/O Scheduler. Grounded on
// cmd/spilld/main.go's shape (flag parsing, an iox.Filer with a
// tempdir, signal-triggered graceful shutdown) adapted from "serve
// IMAP/SMTP for hosted mailboxes" to "drive one IMAP/SMTP client per
// configured account".
package main

import (
	"context"
	"flag"
	"fmt"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crawshaw.io/iox"

	"inkmail.dev/chatcore/core/autocrypt"
	"inkmail.dev/chatcore/core/config"
	"inkmail.dev/chatcore/core/dnscache"
	"inkmail.dev/chatcore/core/ephemeral"
	"inkmail.dev/chatcore/core/event"
	"inkmail.dev/chatcore/core/housekeeping"
	"inkmail.dev/chatcore/core/jobqueue"
	"inkmail.dev/chatcore/core/keystore"
	"inkmail.dev/chatcore/core/location"
	"inkmail.dev/chatcore/core/model"
	"inkmail.dev/chatcore/core/receive"
	"inkmail.dev/chatcore/core/scheduler"
	"inkmail.dev/chatcore/core/securejoin"
	"inkmail.dev/chatcore/core/send"
	"inkmail.dev/chatcore/core/store"
	chatsync "inkmail.dev/chatcore/core/sync"
	"inkmail.dev/chatcore/internal/elog"
	"inkmail.dev/chatcore/smtp/smtpclient"
)

func main() {
	log.SetFlags(0)

	flagConfig := flag.String("config", "", "path to the account config YAML file (§6)")
	flagDBDir := flag.String("dbdir", "", "directory holding one sqlite file per configured account")
	flagBlobDir := flag.String("blobdir", "", "directory housekeeping scans for orphaned blob temp files")
	flag.Parse()

	if *flagConfig == "" {
		log.Fatal("chatengine: -config is required")
	}

	accounts, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("chatengine: %v", err)
	}

	filer := iox.NewFiler(0)
	tempdir, err := ioutil.TempDir("", "chatengine-")
	if err != nil {
		log.Fatal(err)
	}
	filer.SetTempdir(tempdir)

	if *flagDBDir == "" {
		*flagDBDir = tempdir
	}
	if *flagBlobDir == "" {
		*flagBlobDir = *flagDBDir
	}

	log.Printf("chatengine: starting %d account(s), dbdir=%s", len(accounts), *flagDBDir)

	var engines []*accountEngine
	for _, acct := range accounts {
		eng, err := newAccountEngine(filer, *flagDBDir, *flagBlobDir, acct)
		if err != nil {
			log.Fatalf("chatengine: account %s: %v", acct.Addr, err)
		}
		engines = append(engines, eng)
		eng.Scheduler.Start()
		log.Printf("chatengine: account %s started", acct.Addr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	log.Printf("chatengine: shutting down")
	var wg sync.WaitGroup
	for _, eng := range engines {
		eng := eng
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.Scheduler.Shutdown()
		}()
	}
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := filer.Shutdown(shutdownCtx); err != nil {
		log.Printf("chatengine: filer shutdown error: %v", err)
	}
	log.Printf("chatengine: shut down")
}

// accountEngine is every long-lived component one configured account
// needs, held here only so main can Start/Shutdown them as a group;
// core/scheduler.Scheduler is the one actually driving them.
type accountEngine struct {
	Scheduler *scheduler.Scheduler
}

// newAccountEngine wires one account's database and components
// together, following the same construction order §2's "account
// context" describes: database and blob directory first, then the Key
// Store and DNS Cache, then the Receive Pipeline and its SecureJoin/
// Sync/Autocrypt extension points, then the outbound Composer (which
// closes the loop by implementing SecureJoin's and Sync's Mailer
// interfaces), and finally the I/O Scheduler that starts everything.
func newAccountEngine(filer *iox.Filer, dbDir, blobDir string, acct config.Account) (*accountEngine, error) {
	dbfile := filepath.Join(dbDir, dbFileName(acct.Addr))
	db, err := store.Open(dbfile)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	ks := keystore.New(db, acct.Addr)
	dns := dnscache.New(db)
	jobs := jobqueue.New(db)
	events := event.New()

	pipeline := receive.New(db, filer, acct.Addr)
	pipeline.Events = events
	pipeline.KeyStore = ks

	ac := autocrypt.New(db, ks)
	pipeline.Autocrypt = ac

	composer := send.New(db, filer, ks, jobs, acct.Addr, acct.DisplayName)

	sj := securejoin.New(db, ks, composer, acct.Addr)
	pipeline.SecureJoin = sj

	sc := chatsync.New(db, composer, acct.Addr)
	pipeline.Sync = sc

	ephem := ephemeral.New(db)
	ephem.DeleteDeviceAfter = acct.DeleteDeviceAfter
	ephem.OnExpire = func(msgID int64) {
		if _, err := jobs.Enqueue(context.Background(), model.JobDeleteMsgOnImap, msgID, nil); err != nil {
			elog.New("ephemeral")("chatengine: enqueue delete-on-imap for msg %d: %v", msgID, err)
		}
	}

	house := housekeeping.New(db, blobDir)

	loc := location.New(db, composer)

	smtp := smtpclient.NewClient(
		fmt.Sprintf("%s:%d", acct.SMTPHost, acct.SMTPPort),
		acct.SMTPHost,
		acct.SMTPUser,
		acct.SMTPPassword,
		4,
	)

	sched := scheduler.New(db, filer, jobs, pipeline, smtp, dns, ephem, house, loc)
	sched.IMAPHost = fmt.Sprintf("%s:%d", acct.IMAPHost, acct.IMAPPort)
	sched.IMAPUser = acct.IMAPUser
	sched.IMAPPassword = acct.IMAPPassword
	sched.Folders = accountFolders(acct)

	return &accountEngine{Scheduler: sched}, nil
}

// accountFolders mirrors §4.1's "Inbox always watched, Mvbox/Sentbox
// opportunistically": Mvbox/Sentbox are only added when the account
// actually asked to watch them, since a folder that doesn't exist on
// the server would otherwise spin its IMAP loop retrying forever.
func accountFolders(acct config.Account) []scheduler.FolderConfig {
	folders := []scheduler.FolderConfig{{Name: "INBOX"}}
	if acct.MvboxWatch {
		folders = append(folders, scheduler.FolderConfig{Name: "chats"})
	}
	if acct.SentboxWatch {
		folders = append(folders, scheduler.FolderConfig{Name: "Sent"})
	}
	return folders
}

// dbFileName turns an address into a filesystem-safe sqlite file
// name, one file per account in the shared dbdir.
func dbFileName(addr string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, addr)
	return safe + ".db"
}
