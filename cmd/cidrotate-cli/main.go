package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	apiHost string
	token   string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "cidrotate-cli",
		Short: "CLI for the cidrotate service",
		Long:  `A command-line tool to drive a remote cidrotate instance: request and release caller-IDs, inspect reservations and manage the pool.`,
	}

	rootCmd.PersistentFlags().StringVar(&apiHost, "host", "http://localhost:8080", "Base API URL (e.g. http://10.0.0.5:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token for admin endpoints (from cidrotate-cli login)")

	// === ALLOCATION ===
	var nextCmd = &cobra.Command{
		Use:   "next",
		Short: "Request the next caller-ID for an outbound call",
		Run:   runNext,
	}
	nextCmd.Flags().String("to", "", "Destination number (required)")
	nextCmd.Flags().String("campaign", "", "Campaign name (required)")
	nextCmd.Flags().String("agent", "", "Agent identifier (required)")

	var releaseCmd = &cobra.Command{
		Use:   "release [number]",
		Short: "Release a reserved caller-ID early",
		Args:  cobra.ExactArgs(1),
		Run:   runRelease,
	}

	var reservationCmd = &cobra.Command{
		Use:   "reservation [number]",
		Short: "Show the live reservation for a caller-ID",
		Args:  cobra.ExactArgs(1),
		Run:   runReservation,
	}

	// === POOL MANAGEMENT ===
	var numberCmd = &cobra.Command{
		Use:   "number",
		Short: "Manage the caller-ID pool",
	}

	var numberListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the caller-ID pool",
		Run:   runNumberList,
	}

	var numberAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Add a caller-ID",
		Run:   runNumberAdd,
	}
	numberAddCmd.Flags().String("number", "", "Caller-ID number (required)")
	numberAddCmd.Flags().String("carrier", "", "Carrier name")
	numberAddCmd.Flags().String("area-code", "", "Area code (derived from the number when empty)")
	numberAddCmd.Flags().Int("hourly-cap", 0, "Hourly usage cap (0 = server default)")
	numberAddCmd.Flags().Int("daily-cap", 0, "Daily usage cap (0 = server default)")

	var numberDeleteCmd = &cobra.Command{
		Use:   "delete [number]",
		Short: "Delete a caller-ID",
		Args:  cobra.ExactArgs(1),
		Run:   runNumberDelete,
	}

	numberCmd.AddCommand(numberListCmd, numberAddCmd, numberDeleteCmd)

	// === STATS & AUTH ===
	var statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show pool statistics",
		Run:   runStats,
	}

	var loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Obtain a bearer token for admin endpoints",
		Run:   runLogin,
	}
	loginCmd.Flags().String("user", "admin", "Username")
	loginCmd.Flags().String("password", "", "Password (required)")

	rootCmd.AddCommand(nextCmd, releaseCmd, reservationCmd, numberCmd, statsCmd, loginCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// --- HANDLERS ---

func runNext(cmd *cobra.Command, args []string) {
	to := getString(cmd, "to")
	campaign := getString(cmd, "campaign")
	agent := getString(cmd, "agent")

	if to == "" || campaign == "" || agent == "" {
		fmt.Println("Error: --to, --campaign and --agent are required")
		return
	}

	q := url.Values{}
	q.Set("to", to)
	q.Set("campaign", campaign)
	q.Set("agent", agent)

	start := time.Now()
	resp, err := http.Get(fmt.Sprintf("%s/next-cid?%s", apiHost, q.Encode()))
	if err != nil {
		fmt.Printf("Error connecting to API: %v\n", err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		fmt.Printf("Denied (%s): %s\n", resp.Status, string(body))
		if retry := resp.Header.Get("Retry-After"); retry != "" {
			fmt.Printf("Retry after %s seconds\n", retry)
		}
		return
	}

	var result map[string]interface{}
	json.Unmarshal(body, &result)
	fmt.Printf("Caller-ID: %v (area %v, carrier %v)\n", result["caller_id"], result["area_code"], result["carrier"])
	fmt.Printf("Reserved for %v seconds, expires %v\n", result["reserved_for"], result["expires_at"])
	fmt.Printf("Latency: %v\n", time.Since(start))
}

func runRelease(cmd *cobra.Command, args []string) {
	sendPost(fmt.Sprintf("%s/api/v1/release", apiHost), map[string]string{"number": args[0]})
}

func runReservation(cmd *cobra.Command, args []string) {
	resp, err := http.Get(fmt.Sprintf("%s/api/v1/reservation/%s", apiHost, args[0]))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == 404 {
		fmt.Printf("Number %s is not reserved.\n", args[0])
		return
	}
	if resp.StatusCode != 200 {
		fmt.Printf("Error (%s): %s\n", resp.Status, string(body))
		return
	}
	fmt.Println(string(body))
}

func runNumberList(cmd *cobra.Command, args []string) {
	resp, err := doAuthorized("GET", fmt.Sprintf("%s/api/v1/numbers", apiHost), nil)
	if err != nil {
		fmt.Printf("Error connecting to API: %v\n", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fmt.Printf("API error: %s\n", resp.Status)
		return
	}

	var numbers []map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&numbers)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "NUMBER\tAREA\tCARRIER\tHOURLY\tDAILY\tACTIVE")
	fmt.Fprintln(w, "------\t----\t-------\t------\t-----\t------")
	for _, n := range numbers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%.0f\t%v\n",
			n["number"], n["area_code"], n["carrier"], n["hourly_cap"], n["daily_cap"], n["active"])
	}
	w.Flush()
}

func runNumberAdd(cmd *cobra.Command, args []string) {
	number := getString(cmd, "number")
	if number == "" {
		fmt.Println("Error: --number is required")
		return
	}

	body := map[string]interface{}{
		"number":     number,
		"carrier":    getString(cmd, "carrier"),
		"area_code":  getString(cmd, "area-code"),
		"hourly_cap": getInt(cmd, "hourly-cap"),
		"daily_cap":  getInt(cmd, "daily-cap"),
	}
	sendAuthorizedPost(fmt.Sprintf("%s/api/v1/numbers", apiHost), body)
}

func runNumberDelete(cmd *cobra.Command, args []string) {
	resp, err := doAuthorized("DELETE",
		fmt.Sprintf("%s/api/v1/numbers/delete?number=%s", apiHost, url.QueryEscape(args[0])), nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == 200 {
		fmt.Printf("Caller-ID %s deleted.\n", args[0])
	} else {
		fmt.Printf("API error: %s\n", resp.Status)
	}
}

func runStats(cmd *cobra.Command, args []string) {
	resp, err := doAuthorized("GET", fmt.Sprintf("%s/api/v1/stats", apiHost), nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		fmt.Printf("API error (%s): %s\n", resp.Status, string(body))
		return
	}
	fmt.Println(string(body))
}

func runLogin(cmd *cobra.Command, args []string) {
	password := getString(cmd, "password")
	if password == "" {
		fmt.Println("Error: --password is required")
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"username": getString(cmd, "user"),
		"password": password,
	})
	resp, err := http.Post(fmt.Sprintf("%s/api/v1/login", apiHost), "application/json", bytes.NewBuffer(payload))
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		fmt.Printf("Login failed: %s\n", resp.Status)
		return
	}

	var result struct {
		Token string `json:"token"`
	}
	json.NewDecoder(resp.Body).Decode(&result)
	fmt.Println(result.Token)
}

// Helpers
func getString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func getInt(cmd *cobra.Command, name string) int {
	v, _ := cmd.Flags().GetInt(name)
	return v
}

func doAuthorized(method, reqURL string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

func sendPost(reqURL string, data interface{}) {
	payload, _ := json.Marshal(data)
	resp, err := http.Post(reqURL, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		fmt.Printf("Connection error: %v\n", err)
		return
	}
	defer resp.Body.Close()
	printResponse(resp)
}

func sendAuthorizedPost(reqURL string, data interface{}) {
	payload, _ := json.Marshal(data)
	resp, err := doAuthorized("POST", reqURL, bytes.NewBuffer(payload))
	if err != nil {
		fmt.Printf("Connection error: %v\n", err)
		return
	}
	defer resp.Body.Close()
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("Error (%s): %s\n", resp.Status, string(body))
	}
}
