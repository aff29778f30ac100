package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fredericabot/frederica/pkg/frederica/llm"
	"github.com/fredericabot/frederica/pkg/frederica/logging"
	"github.com/fredericabot/frederica/pkg/frederica/pipeline"
	"github.com/fredericabot/frederica/pkg/frederica/tools"
)

// newChatCmd creates the `frederica chat` command, a local REPL that talks
// to the model directly without going through WeCom.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the bot locally",
		Long: `Start an interactive terminal session with the configured model.
Useful for testing the persona and tools without a WeCom round trip.

Example:
  frederica chat`,
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	cfg.Logging.Level = "warn"
	logger, closeLog := logging.New(cfg.Logging)
	defer closeLog()

	var toolReg *tools.Registry
	if cfg.Tools.Enabled {
		toolReg = tools.NewRegistry(cfg.Tools.WorkDir, logger)
	}
	model := llm.New(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		RequestTimeout: cfg.LLM.RequestTimeout(),
		MaxRetries:     cfg.LLM.MaxRetries,
		MaxToolRounds:  cfg.LLM.MaxToolRounds,
		Persona:        cfg.LLM.Persona,
	}, toolReg, logger)

	fmt.Printf("Chatting with %s. Type /quit to exit.\n\n", cfg.LLM.Model)

	var history []pipeline.Exchange
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			break
		}

		reply, err := model.Generate(context.Background(), "local", input, history)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if strings.TrimSpace(reply) == pipeline.SilentReply {
			fmt.Println("(silent)")
			continue
		}
		for _, segment := range pipeline.SplitSegments(reply) {
			fmt.Printf("bot> %s\n", segment)
		}
		history = append(history, pipeline.Exchange{
			UserID:    "local",
			UserTurn:  input,
			Reply:     reply,
			CreatedAt: time.Now(),
		})
		if limit := cfg.Pipeline.HistoryLimit; limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
	}
	return scanner.Err()
}
