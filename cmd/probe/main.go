// Command probe sends one HTTP GET to a Server Endpoint's dispatched
// route and prints the response, for manually exercising the HTTP
// dispatch contract described in §4.2.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var timeoutSeconds int

var rootCmd = &cobra.Command{
	Use:   "probe <uri>",
	Short: "Send one HTTP GET to a networking fabric endpoint and print the response",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	rootCmd.Flags().IntVar(&timeoutSeconds, "timeout", 5, "request timeout in seconds")
}

func runProbe(cmd *cobra.Command, args []string) error {
	uri := args[0]

	client := &http.Client{Timeout: time.Duration(timeoutSeconds) * time.Second}
	resp, err := client.Get(uri)
	if err != nil {
		return fmt.Errorf("probing %s: %w", uri, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	fmt.Printf("%d %s\n", resp.StatusCode, resp.Status)
	fmt.Println(string(body))

	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
