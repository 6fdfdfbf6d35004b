package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show the lifecycle and decision for a request",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		req, _ := http.NewRequest("GET", engineURL()+"/v1/requests/"+args[0], nil)
		authorize(req)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Error connecting to engine: %v\n", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			fmt.Println("Request not found.")
			return
		}
		if resp.StatusCode != http.StatusOK {
			fmt.Println("Status lookup failed. Status:", resp.Status)
			return
		}

		var pretty json.RawMessage
		json.NewDecoder(resp.Body).Decode(&pretty)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(pretty)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <request-id>",
	Short: "Cancel a held or batched request before it goes out",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		req, _ := http.NewRequest("POST", engineURL()+"/v1/requests/"+args[0]+"/cancel", nil)
		authorize(req)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Error connecting to engine: %v\n", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Println("Cancel failed. Status:", resp.Status)
			return
		}
		fmt.Println("Cancelled.")
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}
