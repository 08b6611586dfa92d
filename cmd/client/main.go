package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshroom",
	Short: "Full-mesh audio rooms over WebRTC",
	Long: `meshroom joins a room on a meshroom signaling server and holds a direct
media connection with every other participant of that room.`,
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(newJoinCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("meshroom")
		os.Exit(1)
	}
}
