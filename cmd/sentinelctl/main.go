// sentinelctl is the operator CLI for a running sentinel-api: log in, list
// users and alerts, inspect the audit trail, verify chain integrity, and
// resolve alerts.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

var (
	colorRed    = color.New(color.FgRed).SprintFunc()
	colorYellow = color.New(color.FgYellow).SprintFunc()
	colorGreen  = color.New(color.FgGreen).SprintFunc()
	colorBold   = color.New(color.Bold).SprintFunc()
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	log.SetFlags(0)
	var (
		base  = flag.String("server", envOr("SENTINEL_SERVER", "http://localhost:8080"), "sentinel-api base URL")
		token = flag.String("token", os.Getenv("SENTINEL_TOKEN"), "session token (from `sentinelctl login`)")
	)
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	c := &client{
		base:  strings.TrimRight(*base, "/"),
		token: *token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch flag.Arg(0) {
	case "login":
		err = c.login(flag.Args()[1:])
	case "users":
		err = c.listUsers()
	case "alerts":
		err = c.listAlerts(flag.Args()[1:])
	case "resolve":
		err = c.resolveAlert(flag.Args()[1:])
	case "audit":
		err = c.auditQuery(flag.Args()[1:])
	case "verify":
		err = c.verifyChain()
	case "watch":
		err = c.watchAlerts()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s %s", colorRed("error:"), err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sentinelctl [-server URL] [-token TOKEN] <command>

commands:
  login <username>        authenticate and print a session token
  users                   list user accounts
  alerts [status]         list alerts (status: new|resolved)
  resolve <id> [notes]    resolve an alert
  audit [actor]           show recent audit events
  verify                  verify audit chain integrity
  watch                   stream alerts as they are raised`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (c *client) do(method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errBody) == nil && errBody.Error != "" {
			return fmt.Errorf("%s (%d)", errBody.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) login(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: login <username>")
	}
	fmt.Fprint(os.Stderr, "credential: ")
	reader := bufio.NewReader(os.Stdin)
	credential, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	var resp struct {
		Token     string    `json:"token"`
		Username  string    `json:"username"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	err = c.do(http.MethodPost, "/v1/auth/login", map[string]string{
		"username":   args[0],
		"credential": strings.TrimRight(credential, "\r\n"),
	}, &resp)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s session for %s valid until %s\n",
		colorGreen("ok:"), resp.Username, resp.ExpiresAt.Local().Format(time.RFC822))
	fmt.Println(resp.Token)
	return nil
}

func (c *client) listUsers() error {
	var resp struct {
		Users []struct {
			Username       string `json:"username"`
			Role           string `json:"role"`
			Status         string `json:"status"`
			FailedAttempts int    `json:"failed_attempts"`
			LockedUntil    string `json:"locked_until"`
			LastLogin      string `json:"last_login"`
		} `json:"users"`
	}
	if err := c.do(http.MethodGet, "/v1/users", nil, &resp); err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Username", "Role", "Status", "Failed", "Locked Until", "Last Login"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, u := range resp.Users {
		status := u.Status
		if status == "locked" || u.LockedUntil != "" {
			status = colorRed(status)
		}
		table.Append([]string{
			u.Username, u.Role, status,
			fmt.Sprintf("%d", u.FailedAttempts), u.LockedUntil, u.LastLogin,
		})
	}
	table.Render()
	return nil
}

func (c *client) listAlerts(args []string) error {
	path := "/v1/alerts"
	if len(args) > 0 {
		path += "?status=" + url.QueryEscape(args[0])
	}
	var resp struct {
		Alerts []struct {
			ID        string    `json:"alert_id"`
			Timestamp time.Time `json:"timestamp"`
			Type      string    `json:"alert_type"`
			Severity  string    `json:"severity"`
			Subject   string    `json:"subject"`
			Message   string    `json:"message"`
			Status    string    `json:"status"`
		} `json:"alerts"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Time", "Type", "Severity", "Subject", "Status"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, a := range resp.Alerts {
		table.Append([]string{
			a.ID,
			a.Timestamp.Local().Format("2006-01-02 15:04:05"),
			a.Type,
			colorSeverity(a.Severity),
			a.Subject,
			a.Status,
		})
	}
	table.Render()
	return nil
}

func colorSeverity(s string) string {
	switch s {
	case "high":
		return colorRed(s)
	case "medium":
		return colorYellow(s)
	default:
		return s
	}
}

func (c *client) resolveAlert(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: resolve <id> [notes]")
	}
	notes := strings.Join(args[1:], " ")
	var resp struct {
		ID     string `json:"alert_id"`
		Status string `json:"status"`
	}
	err := c.do(http.MethodPost, "/v1/alerts/"+url.PathEscape(args[0])+"/resolve",
		map[string]string{"notes": notes}, &resp)
	if err != nil {
		return err
	}
	fmt.Printf("%s alert %s is now %s\n", colorGreen("ok:"), resp.ID, resp.Status)
	return nil
}

func (c *client) auditQuery(args []string) error {
	path := "/v1/audit/events?limit=50"
	if len(args) > 0 {
		path += "&actor=" + url.QueryEscape(args[0])
	}
	var resp struct {
		Events []struct {
			Seq       uint64    `json:"seq"`
			Timestamp time.Time `json:"timestamp"`
			Actor     string    `json:"actor"`
			Action    string    `json:"action"`
			Resource  string    `json:"resource"`
			Status    string    `json:"status"`
		} `json:"events"`
	}
	if err := c.do(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Seq", "Time", "Actor", "Action", "Resource", "Status"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, e := range resp.Events {
		status := e.Status
		switch status {
		case "denied":
			status = colorRed(status)
		case "failure":
			status = colorYellow(status)
		}
		table.Append([]string{
			fmt.Sprintf("%d", e.Seq),
			e.Timestamp.Local().Format("2006-01-02 15:04:05"),
			e.Actor, e.Action, e.Resource, status,
		})
	}
	table.Render()
	return nil
}

func (c *client) verifyChain() error {
	var resp struct {
		OK          bool   `json:"ok"`
		FirstBadSeq uint64 `json:"first_bad_seq"`
	}
	if err := c.do(http.MethodPost, "/v1/audit/verify", map[string]uint64{}, &resp); err != nil {
		return err
	}
	if resp.OK {
		fmt.Printf("%s audit chain verified\n", colorGreen("ok:"))
		return nil
	}
	return fmt.Errorf("chain broken at seq %d", resp.FirstBadSeq)
}

// watchAlerts follows the server-sent event stream and prints each alert.
func (c *client) watchAlerts() error {
	req, err := http.NewRequest(http.MethodGet, c.base+"/v1/alerts/stream", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	streamClient := &http.Client{} // no timeout: long-lived stream
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	fmt.Fprintln(os.Stderr, colorBold("watching for alerts (ctrl-c to stop)"))
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var a struct {
			Timestamp time.Time `json:"timestamp"`
			Type      string    `json:"alert_type"`
			Severity  string    `json:"severity"`
			Subject   string    `json:"subject"`
			Message   string    `json:"message"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &a); err != nil {
			continue
		}
		fmt.Printf("[%s] %s %s %s: %s\n",
			a.Timestamp.Local().Format("15:04:05"),
			colorSeverity(a.Severity), a.Type, a.Subject, a.Message)
	}
	return scanner.Err()
}
