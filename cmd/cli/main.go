package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sproutctl",
	Short: "Notification engine CLI",
	Long:  `A CLI tool to submit, inspect and acknowledge care notifications.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sproutctl.yaml)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sproutctl")

		// Create config file if it doesn't exist
		configPath := filepath.Join(home, ".sproutctl.yaml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			f, err := os.Create(configPath)
			if err != nil {
				fmt.Printf("Warning: failed to create config file: %v\n", err)
			} else {
				f.Close()
			}
		}
	}

	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		// fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func engineURL() string {
	url := viper.GetString("engine_url")
	if url == "" {
		url = "http://localhost:8080"
	}
	return url
}

func dispatcherURL() string {
	url := viper.GetString("dispatcher_url")
	if url == "" {
		url = "http://localhost:8081"
	}
	return url
}

// authorize attaches whichever credential is configured.
func authorize(req *http.Request) {
	if key := viper.GetString("api_key"); key != "" {
		req.Header.Set("X-API-Key", key)
	}
	if token := viper.GetString("token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func main() {
	Execute()
}
