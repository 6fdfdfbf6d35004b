package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	submitFamilyID string
	submitChildID  string
	submitCategory string
	submitSeverity float64
	submitPayload  string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a notification request",
	Run: func(cmd *cobra.Command, args []string) {
		body := map[string]any{
			"family_id":     submitFamilyID,
			"child_id":      submitChildID,
			"category":      submitCategory,
			"severity_hint": submitSeverity,
		}
		if submitPayload != "" {
			body["payload"] = json.RawMessage(submitPayload)
		}
		data, _ := json.Marshal(body)

		req, _ := http.NewRequest("POST", engineURL()+"/v1/requests", bytes.NewBuffer(data))
		req.Header.Set("Content-Type", "application/json")
		authorize(req)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Error connecting to engine: %v\n", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			fmt.Println("Submit failed. Status:", resp.Status)
			return
		}

		var out struct {
			RequestID string `json:"request_id"`
		}
		json.NewDecoder(resp.Body).Decode(&out)
		fmt.Println("Request accepted:", out.RequestID)
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitFamilyID, "family", "", "family ID (required)")
	submitCmd.Flags().StringVar(&submitChildID, "child", "", "child ID (required)")
	submitCmd.Flags().StringVar(&submitCategory, "category", "system", "category: diaper, inventory, milestone, system, medical")
	submitCmd.Flags().Float64Var(&submitSeverity, "severity", 0, "severity hint in [0,1]")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "raw JSON payload")
	submitCmd.MarkFlagRequired("family")
	submitCmd.MarkFlagRequired("child")
	rootCmd.AddCommand(submitCmd)
}
