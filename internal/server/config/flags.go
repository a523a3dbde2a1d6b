package config

import (
	"flag"
	"os"
	"time"

	"github.com/mealmetric/server/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   HTTP bind address (e.g., ":8080")
//	-d string   PostgreSQL DSN
//	-s string   JWT HMAC secret key
//	-t int      access token validity, hours
//	-i string   Apple client id (identity token audience)
//	-k string   LLM API key
//	-l string   LLM base URL (e.g., "https://api.openai.com")
//	-m string   LLM model name
//
// Notes:
//   - The function first filters os.Args to only the flags it recognizes using
//     flagx.FilterArgs, avoiding collisions with other components.
//   - The token validity flag is accepted as an integer in hours and then
//     converted to a time.Duration value.
func parseFlags(config *Config) {
	// Filter args to include only the flags handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-s", "-t", "-i", "-k", "-l", "-m"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddr, "a", config.EndpointAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Hours()), "access_token_validity_duration (in hours)")

	fs.StringVar(&config.AppleClientID, "i", config.AppleClientID, "Apple client id")
	fs.StringVar(&config.LLMAPIKey, "k", config.LLMAPIKey, "LLM API key")
	fs.StringVar(&config.LLMBaseURL, "l", config.LLMBaseURL, "LLM base URL")
	fs.StringVar(&config.LLMModel, "m", config.LLMModel, "LLM model")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Hour
}
