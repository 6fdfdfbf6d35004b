package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var deadLetterLimit int

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List recent permanently failed deliveries",
	Run: func(cmd *cobra.Command, args []string) {
		url := fmt.Sprintf("%s/v1/dead-letters?limit=%d", dispatcherURL(), deadLetterLimit)
		req, _ := http.NewRequest("GET", url, nil)
		authorize(req)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Error connecting to dispatcher: %v\n", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Println("Listing failed. Status:", resp.Status)
			return
		}

		var pretty json.RawMessage
		json.NewDecoder(resp.Body).Decode(&pretty)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(pretty)
	},
}

func init() {
	deadLettersCmd.Flags().IntVar(&deadLetterLimit, "limit", 50, "maximum entries to return")
	rootCmd.AddCommand(deadLettersCmd)
}
