package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/crowdaid/crowdaid/internal/domain"
	"github.com/crowdaid/crowdaid/internal/security/auth"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	var err error
	switch command {
	case "token":
		err = handleToken(args)
	case "request":
		err = handleRequest(args)
	case "message":
		err = handleMessage(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ %v\n", err)
		os.Exit(1)
	}
}

// Token commands

func handleToken(args []string) error {
	if len(args) < 1 {
		fmt.Println("Usage: crowdaid token <mint|show|clear>")
		return nil
	}

	switch args[0] {
	case "mint":
		return mintToken(args[1:])
	case "show":
		token := loadToken()
		if token == "" {
			fmt.Println("No token saved")
			return nil
		}
		fmt.Printf("✓ Token saved (%s...)\n", token[:min(20, len(token))])
		return nil
	case "clear":
		os.Remove(tokenFile())
		fmt.Println("✓ Token removed")
		return nil
	default:
		return fmt.Errorf("unknown token command: %s", args[0])
	}
}

// mintToken signs a development token with the server's secret
func mintToken(args []string) error {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	name := fs.String("name", "", "display name")
	role := fs.String("role", "user", "role: user, volunteer or admin")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "signing secret (default $JWT_SECRET)")
	issuer := fs.String("issuer", "crowdaid", "token issuer")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	fs.Parse(args)

	if *user == "" || *secret == "" {
		fs.PrintDefaults()
		return fmt.Errorf("user and secret are required")
	}

	tm := auth.NewTokenManager(*secret, *issuer)
	token, err := tm.GenerateToken(*user, *name, []domain.Role{domain.Role(*role)}, *ttl)
	if err != nil {
		return err
	}
	if err := saveToken(token); err != nil {
		return err
	}
	fmt.Printf("✓ Token saved for %s (%s)\n", *user, *role)
	return nil
}

// Help request commands

func handleRequest(args []string) error {
	if len(args) < 1 {
		fmt.Println("Usage: crowdaid request <create|nearby|mine|show|accept|status|delete>")
		return nil
	}

	rest := args[1:]
	switch args[0] {
	case "create":
		fs := flag.NewFlagSet("create", flag.ExitOnError)
		description := fs.String("description", "", "what help is needed")
		address := fs.String("address", "", "where help is needed")
		lat := fs.Float64("lat", 0, "latitude")
		lng := fs.Float64("lng", 0, "longitude")
		fs.Parse(rest)

		var req domain.HelpRequest
		if err := call(http.MethodPost, "/help-requests", map[string]any{
			"description": *description,
			"address":     *address,
			"latitude":    *lat,
			"longitude":   *lng,
		}, &req); err != nil {
			return err
		}
		fmt.Printf("✓ Help request created: %s\n", req.ID)
		return nil

	case "nearby":
		fs := flag.NewFlagSet("nearby", flag.ExitOnError)
		lat := fs.Float64("lat", 0, "latitude")
		lng := fs.Float64("lng", 0, "longitude")
		radius := fs.Float64("radius", 0, "search radius in km (server default when 0)")
		fs.Parse(rest)

		q := url.Values{}
		q.Set("lat", fmt.Sprint(*lat))
		q.Set("lng", fmt.Sprint(*lng))
		if *radius > 0 {
			q.Set("radius", fmt.Sprint(*radius))
		}
		var nearby []struct {
			Request    domain.HelpRequest `json:"request"`
			DistanceKm float64            `json:"distanceKm"`
		}
		if err := call(http.MethodGet, "/help-requests/nearby?"+q.Encode(), nil, &nearby); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDISTANCE\tADDRESS\tDESCRIPTION")
		for _, n := range nearby {
			fmt.Fprintf(w, "%s\t%.2f km\t%s\t%s\n", n.Request.ID, n.DistanceKm, n.Request.Address, n.Request.Description)
		}
		return w.Flush()

	case "mine":
		var reqs []domain.HelpRequest
		if err := call(http.MethodGet, "/help-requests/my-requests", nil, &reqs); err != nil {
			return err
		}
		printRequests(reqs)
		return nil

	case "show":
		id, err := requireID(rest, "request show <id>")
		if err != nil {
			return err
		}
		var req domain.HelpRequest
		if err := call(http.MethodGet, "/help-requests/"+id, nil, &req); err != nil {
			return err
		}
		printRequests([]domain.HelpRequest{req})
		return nil

	case "accept":
		id, err := requireID(rest, "request accept <id>")
		if err != nil {
			return err
		}
		if err := call(http.MethodPost, "/help-requests/"+id+"/accept", nil, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Accepted %s\n", id)
		return nil

	case "status":
		if len(rest) < 2 {
			return fmt.Errorf("usage: crowdaid request status <id> <IN_PROGRESS|COMPLETED|CANCELLED>")
		}
		path := "/help-requests/" + rest[0] + "/status?status=" + url.QueryEscape(rest[1])
		if err := call(http.MethodPut, path, nil, nil); err != nil {
			return err
		}
		fmt.Printf("✓ %s is now %s\n", rest[0], strings.ToUpper(rest[1]))
		return nil

	case "delete":
		id, err := requireID(rest, "request delete <id>")
		if err != nil {
			return err
		}
		if err := call(http.MethodDelete, "/help-requests/"+id, nil, nil); err != nil {
			return err
		}
		fmt.Printf("✓ Deleted %s\n", id)
		return nil

	default:
		return fmt.Errorf("unknown request command: %s", args[0])
	}
}

// Message commands

func handleMessage(args []string) error {
	if len(args) < 1 {
		fmt.Println("Usage: crowdaid message <send|list|unread>")
		return nil
	}

	rest := args[1:]
	switch args[0] {
	case "send":
		if len(rest) < 2 {
			return fmt.Errorf("usage: crowdaid message send <request-id> <text>")
		}
		var res struct {
			Message         domain.Message `json:"message"`
			RecipientOnline bool           `json:"recipientOnline"`
		}
		if err := call(http.MethodPost, "/messages", map[string]string{
			"helpRequestId": rest[0],
			"content":       strings.Join(rest[1:], " "),
		}, &res); err != nil {
			return err
		}
		state := "offline"
		if res.RecipientOnline {
			state = "online"
		}
		fmt.Printf("✓ Sent %s (recipient %s)\n", res.Message.ID, state)
		return nil

	case "list":
		id, err := requireID(rest, "message list <request-id>")
		if err != nil {
			return err
		}
		var msgs []domain.Message
		if err := call(http.MethodGet, "/messages/"+id, nil, &msgs); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SENT\tFROM\tREAD\tCONTENT")
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Read, m.Content)
		}
		return w.Flush()

	case "unread":
		id, err := requireID(rest, "message unread <request-id>")
		if err != nil {
			return err
		}
		var res struct {
			Count int `json:"count"`
		}
		if err := call(http.MethodGet, "/messages/"+id+"/unread-count", nil, &res); err != nil {
			return err
		}
		fmt.Printf("%d unread\n", res.Count)
		return nil

	default:
		return fmt.Errorf("unknown message command: %s", args[0])
	}
}

// Helper functions

func printRequests(reqs []domain.HelpRequest) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tREQUESTER\tVOLUNTEER\tCREATED")
	for _, r := range reqs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.RequesterID, r.Volunteer(), r.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func requireID(args []string, usage string) (string, error) {
	if len(args) < 1 || args[0] == "" {
		return "", fmt.Errorf("usage: crowdaid %s", usage)
	}
	return args[0], nil
}

// call sends an authenticated JSON request and decodes the response into out
func call(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, getAPIURL()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	addAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Type  string `json:"type"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error == "" {
			apiErr.Error = resp.Status
		}
		return fmt.Errorf("%s (%d %s)", apiErr.Error, resp.StatusCode, apiErr.Type)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getAPIURL() string {
	if url := os.Getenv("CROWDAID_API"); url != "" {
		return url
	}
	return "http://localhost:8080/api"
}

func tokenFile() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".crowdaid", "token")
}

func saveToken(token string) error {
	if err := os.MkdirAll(filepath.Dir(tokenFile()), 0700); err != nil {
		return err
	}
	return os.WriteFile(tokenFile(), []byte(token), 0600)
}

func loadToken() string {
	data, _ := os.ReadFile(tokenFile())
	return strings.TrimSpace(string(data))
}

func addAuthHeader(req *http.Request) {
	if token := loadToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func printUsage() {
	fmt.Print(`CrowdAid CLI

Usage:
  crowdaid <command> [options]

Commands:
  token      Development credentials (mint, show, clear)
  request    Help requests (create, nearby, mine, show, accept, status, delete)
  message    Conversation (send, list, unread)
  help       Show this help message

Environment Variables:
  CROWDAID_API    API endpoint (default: http://localhost:8080/api)
  JWT_SECRET      Signing secret used by "token mint"

Examples:
  crowdaid token mint -user alice -role user
  crowdaid request create -description "need groceries" -address "1 Main St" -lat 40.7 -lng -74.0
  crowdaid request nearby -lat 40.7 -lng -74.0 -radius 5
  crowdaid request accept <id>
  crowdaid message send <id> on my way
`)
}
