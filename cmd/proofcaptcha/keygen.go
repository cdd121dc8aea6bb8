package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proofcaptcha/proofcaptcha/pkg/crypto"
	"github.com/proofcaptcha/proofcaptcha/pkg/store"
)

// runKeygenCmd mints a credential pair. With DATABASE_URL set and -save,
// the credential is persisted; otherwise it is only printed.
func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "default", "credential name")
	domain := fs.String("domain", "", "bound domain (empty accepts any)")
	developer := fs.String("developer", "", "developer id")
	save := fs.Bool("save", false, "persist to DATABASE_URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	sitekey, secretkey, err := crypto.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	key := store.APIKey{
		ID:          uuid.NewString(),
		DeveloperID: *developer,
		Name:        *name,
		Sitekey:     sitekey,
		Secretkey:   secretkey,
		Domain:      *domain,
		IsActive:    true,
		CreatedAt:   time.Now().UTC(),
	}

	if *save {
		dsn := os.Getenv("DATABASE_URL")
		if dsn == "" {
			fmt.Fprintln(stderr, "keygen: -save requires DATABASE_URL")
			return 2
		}
		driver := "sqlite"
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			driver = "postgres"
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			fmt.Fprintf(stderr, "keygen: %v\n", err)
			return 1
		}
		defer db.Close()
		st := store.NewSQLStore(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.Init(ctx); err != nil {
			fmt.Fprintf(stderr, "keygen: %v\n", err)
			return 1
		}
		if err := st.CreateAPIKey(ctx, key); err != nil {
			fmt.Fprintf(stderr, "keygen: %v\n", err)
			return 1
		}
	}

	// Secretkey is shown exactly once at mint time; APIKey never marshals it.
	out := map[string]string{
		"id":        key.ID,
		"name":      key.Name,
		"sitekey":   key.Sitekey,
		"secretkey": key.Secretkey,
		"domain":    key.Domain,
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	return 0
}
