package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var ackCaregiverID string

var ackCmd = &cobra.Command{
	Use:   "ack <family-id>",
	Short: "Acknowledge the family's open handoffs as a caregiver",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body, _ := json.Marshal(map[string]string{"caregiver_id": ackCaregiverID})
		req, _ := http.NewRequest("POST", engineURL()+"/v1/families/"+args[0]+"/ack", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		authorize(req)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Error connecting to engine: %v\n", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Println("Ack failed. Status:", resp.Status)
			return
		}
		fmt.Println("Acknowledged.")
	},
}

func init() {
	ackCmd.Flags().StringVar(&ackCaregiverID, "caregiver", "", "caregiver ID (defaults to the token identity)")
	rootCmd.AddCommand(ackCmd)
}
