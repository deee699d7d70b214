// Command syncnow triggers an immediate watch renewal and reconciliation
// for one account through the management API. Exit codes: 0 success,
// 1 permission failure, 2 transient provider failure, 3 unknown account.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	exitOK         = 0
	exitPermission = 1
	exitTransient  = 2
	exitUnknown    = 3
)

type syncResult struct {
	NewMessageCount int       `json:"newMessageCount"`
	Cursor          uint64    `json:"cursor"`
	Expiry          time.Time `json:"expiry"`
	Bootstrapped    bool      `json:"bootstrapped"`
	Warnings        []string  `json:"warnings"`
}

type apiError struct {
	Error string `json:"error"`
}

type accountView struct {
	ID           uint   `json:"id"`
	EmailAddress string `json:"emailAddress"`
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "base URL of the mailwatch service")
	token := flag.String("token", os.Getenv("API_TOKEN"), "management API token")
	accountID := flag.Uint("account", 0, "account id to sync")
	email := flag.String("email", "", "account email address (alternative to -account)")
	timeout := flag.Duration("timeout", 2*time.Minute, "request timeout")
	flag.Parse()

	if *accountID == 0 && *email == "" {
		fmt.Fprintln(os.Stderr, "either -account or -email is required")
		flag.Usage()
		os.Exit(exitUnknown)
	}

	client := &http.Client{Timeout: *timeout}
	base := strings.TrimRight(*addr, "/")

	id := *accountID
	if id == 0 {
		var err error
		id, err = lookupAccount(client, base, *token, *email)
		if err != nil {
			fmt.Fprintf(os.Stderr, "account lookup failed: %v\n", err)
			os.Exit(exitUnknown)
		}
	}

	req, err := http.NewRequest("POST", fmt.Sprintf("%s/api/accounts/%d/sync-now", base, id), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		os.Exit(exitTransient)
	}
	authorize(req, *token)

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(exitTransient)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var result syncResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
			os.Exit(exitTransient)
		}
		fmt.Printf("synced account %d: %d new message(s), cursor %d, watch expires %s\n",
			id, result.NewMessageCount, result.Cursor, result.Expiry.Format(time.RFC3339))
		if result.Bootstrapped {
			fmt.Println("note: cursor was stale, resynced from current mailbox state")
		}
		for _, w := range result.Warnings {
			fmt.Printf("warning: %s\n", w)
		}
		os.Exit(exitOK)
	case http.StatusForbidden:
		fmt.Fprintf(os.Stderr, "permission failure: %s\n", readError(resp))
		os.Exit(exitPermission)
	case http.StatusNotFound:
		fmt.Fprintf(os.Stderr, "unknown account %d\n", id)
		os.Exit(exitUnknown)
	default:
		fmt.Fprintf(os.Stderr, "sync failed (HTTP %d): %s\n", resp.StatusCode, readError(resp))
		os.Exit(exitTransient)
	}
}

func lookupAccount(client *http.Client, base, token, email string) (uint, error) {
	req, err := http.NewRequest("GET", base+"/api/accounts?email="+url.QueryEscape(email), nil)
	if err != nil {
		return 0, err
	}
	authorize(req, token)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d: %s", resp.StatusCode, readError(resp))
	}

	var accounts []accountView
	if err := json.NewDecoder(resp.Body).Decode(&accounts); err != nil {
		return 0, err
	}
	if len(accounts) == 0 {
		return 0, fmt.Errorf("no account with address %s", email)
	}
	return accounts[0].ID, nil
}

func authorize(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func readError(resp *http.Response) string {
	var e apiError
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return resp.Status
	}
	return e.Error
}
