package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vcetai/vcet-assist/engine/rag"
)

const rule = "============================================================"

var (
	askTopK  int
	askJSON  bool
	chatTopK int
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one question",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions interactively",
	Long:  `Reads questions from standard input until "quit", "exit" or "q".`,
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Load the index and print service statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	askCmd.Flags().IntVarP(&askTopK, "top-k", "k", 0, "chunks to retrieve (default TOP_K_RESULTS)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the full outcome as JSON")
	chatCmd.Flags().IntVarP(&chatTopK, "top-k", "k", 3, "chunks to retrieve")
	rootCmd.AddCommand(askCmd, chatCmd, statsCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	out := app.Service.Answer(cmd.Context(), rag.Request{ClientID: "cli", Query: strings.Join(args, " "), TopK: askTopK})
	if askJSON {
		data, err := json.MarshalIndent(outcomeJSON(out), "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
	} else if out.Status == rag.StatusOK {
		printAnswer(cmd, out)
	}
	if out.Status != rag.StatusOK {
		return fmt.Errorf("%s: %w", out.Status, out.Err)
	}
	return nil
}

func runChat(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	cmd.Println(rule)
	cmd.Println("VCET AI Assistant")
	cmd.Println(rule)
	cmd.Println("Initializing RAG system...")
	if err := app.Service.Init(cmd.Context()); err != nil {
		return fmt.Errorf("failed to initialize RAG system: %w", err)
	}
	cmd.Println("RAG system initialized. Type your questions (or 'quit' to exit)")

	in := bufio.NewScanner(cmd.InOrStdin())
	for {
		cmd.Print("\nYour Question: ")
		if !in.Scan() {
			break
		}
		q := strings.TrimSpace(in.Text())
		switch strings.ToLower(q) {
		case "":
			continue
		case "quit", "exit", "q":
			cmd.Println("\nGoodbye!")
			return nil
		}

		out := app.Service.Answer(cmd.Context(), rag.Request{ClientID: "cli", Query: q, TopK: chatTopK})
		if out.Status != rag.StatusOK {
			cmd.Printf("\nError: %s: %v\n", out.Status, out.Err)
			continue
		}
		printAnswer(cmd, out)
	}
	return in.Err()
}

func runStats(cmd *cobra.Command, _ []string) error {
	app, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Service.Init(cmd.Context()); err != nil {
		return err
	}
	data, err := json.MarshalIndent(app.Service.Stats(), "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

func printAnswer(cmd *cobra.Command, out rag.Outcome) {
	cmd.Println()
	cmd.Println(rule)
	cmd.Println("Response:")
	cmd.Println(rule)
	cmd.Println(out.Response)
	cmd.Println(rule)
	for i, s := range out.Sources {
		cmd.Printf("[%d] %s (page %d, distance %.4f)\n", i+1, s.Source, s.Page, s.Distance)
	}
}

func outcomeJSON(out rag.Outcome) map[string]any {
	m := map[string]any{
		"status":        out.Status,
		"response":      out.Response,
		"sources":       out.Sources,
		"cached":        out.Cached,
		"response_time": out.Duration.Seconds(),
	}
	if out.Err != nil {
		m["error"] = out.Err.Error()
	}
	return m
}
