package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cruxlabs/crux/agent"
	"github.com/cruxlabs/crux/agent/acp"
	"github.com/cruxlabs/crux/agent/terminal"
	"github.com/cruxlabs/crux/config"
	"github.com/cruxlabs/crux/errors"
	"github.com/cruxlabs/crux/llm"
	"github.com/cruxlabs/crux/session"
	"go.uber.org/zap"
)

func main() {
	modeFlag := flag.String("m", "", "Execution mode: 'auto', 'prompt' or 'plan'")
	sessionFlag := flag.String("s", "", "Session name to create or use")
	toolsetFlag := flag.String("t", "", "Toolset to use (defaults to 'default')")
	resumeFlag := flag.String("r", "", "Resume a session by name")
	toolVerbosityFlag := flag.String("tool-verbosity", "", "Tool verbosity level: 'none', 'info', or 'all'")
	acpFlag := flag.Bool("acp", false, "Run as an Agent Client Protocol server over stdio")
	traceFlag := flag.Bool("trace", false, "Write ACP protocol traffic to acp.trace")
	debugFlag := flag.Bool("debug", false, "Enable debug logging to stderr")
	flag.Parse()

	log := zap.NewNop()
	if *debugFlag {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing logger: %+v\n", err)
			os.Exit(1)
		}
		defer log.Sync()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}

	var sess *session.Session
	sessionName := *sessionFlag

	if *resumeFlag != "" {
		sessionName = *resumeFlag
		sess, err = session.Load(sessionName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resuming session '%s': %+v\n", sessionName, err)
			os.Exit(1)
		}
		if !*acpFlag {
			fmt.Printf("Resuming session: %s\n", sessionName)
		}
		// Session values apply unless explicitly overridden by a flag.
		if *modeFlag == "" && sess.Mode != "" {
			*modeFlag = sess.Mode
		}
		if *toolsetFlag == "" && sess.Toolset != "" {
			*toolsetFlag = sess.Toolset
		}
		if *toolVerbosityFlag == "" && sess.ToolVerbosity != "" {
			*toolVerbosityFlag = sess.ToolVerbosity
		}
	} else {
		if sessionName == "" {
			sessionName = defaultSessionName()
		}
		sess, err = session.New(sessionName)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating session '%s': %+v\n", sessionName, err)
			os.Exit(1)
		}
		if !*acpFlag {
			fmt.Printf("Starting new session: %s\n", sessionName)
		}
	}

	if *modeFlag == "" {
		*modeFlag = "prompt"
	}
	if *toolsetFlag == "" {
		*toolsetFlag = "default"
	}
	if *toolVerbosityFlag == "" {
		*toolVerbosityFlag = terminal.VerbosityInfo
	}

	opMode, err := parseMode(*modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := validateVerbosity(*toolVerbosityFlag); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	sess.Mode = *modeFlag
	sess.Toolset = *toolsetFlag
	sess.ToolVerbosity = *toolVerbosityFlag
	sess.Acp = *acpFlag
	if err := sess.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving session '%s': %+v\n", sessionName, err)
		os.Exit(1)
	}

	client, err := newClient(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing %s client: %+v\n", cfg.LLMClient, err)
		os.Exit(1)
	}

	cruxAgent, err := agent.New(cfg, sess, *toolsetFlag, opMode, client, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing agent: %+v\n", err)
		os.Exit(1)
	}
	defer cruxAgent.Close()

	if *acpFlag {
		// Nothing but JSON-RPC may go to stdout from here on.
		in := bufio.NewReader(os.Stdin)
		out := bufio.NewWriter(os.Stdout)
		if err := acp.Run(context.Background(), cruxAgent, in, out, traceFlag); err != nil {
			fmt.Fprintf(os.Stderr, "ACP mode failed: %+v\n", err)
			os.Exit(1)
		}
		return
	}

	initialPrompt := strings.Join(flag.Args(), " ")
	fmt.Println("Crux is ready. Type your prompt.")
	term := terminal.New(cruxAgent)
	if err := term.Run(context.Background(), initialPrompt); err != nil {
		fmt.Fprintf(os.Stderr, "Agent stopped with an error: %+v\n", err)
		os.Exit(1)
	}
}

// parseMode validates the -m flag.
func parseMode(s string) (agent.Mode, error) {
	switch s {
	case "auto":
		return agent.ModeAuto, nil
	case "prompt":
		return agent.ModePrompt, nil
	case "plan":
		return agent.ModePlan, nil
	}
	return "", errors.New("invalid mode %q: must be 'auto', 'prompt' or 'plan'", s)
}

// validateVerbosity validates the -tool-verbosity flag.
func validateVerbosity(s string) error {
	switch s {
	case terminal.VerbosityNone, terminal.VerbosityInfo, terminal.VerbosityAll:
		return nil
	}
	return errors.New("invalid tool verbosity %q: must be 'none', 'info' or 'all'", s)
}

// newClient constructs the provider adapter named in the configuration. An
// unset or unknown provider falls back to the mock client.
func newClient(ctx context.Context, cfg *config.Config) (llm.StreamClient, error) {
	switch cfg.LLMClient {
	case "gemini":
		return llm.NewGeminiLLMClient(ctx, cfg.Model)
	case "openai":
		return llm.NewOpenAILLMClient(ctx, cfg.Model)
	case "bedrock":
		return llm.NewBedrockLLMClient(ctx, cfg.Model)
	case "anthropic":
		return llm.NewAnthropicLLMClient(ctx, cfg.Model)
	}
	return &llm.MockLLMClient{}, nil
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "crux"
	}
	dirName := filepath.Base(wd)
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return fmt.Sprintf("%s_%s", dirName, timestamp)
}
