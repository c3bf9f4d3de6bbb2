package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <subreddit>",
	Short: "Start an asynchronous problem-post analysis of a subreddit",
	Long: `Start an asynchronous problem-post analysis of a subreddit.

Examples:
  prospector analyze startups
  prospector analyze golang --timeframe month --min-score 10
  prospector analyze saas --query "billing frustration" --limit 5`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeframe, _ := cmd.Flags().GetString("timeframe")
		minScore, _ := cmd.Flags().GetInt("min-score")
		query, _ := cmd.Flags().GetString("query")
		threshold, _ := cmd.Flags().GetFloat32("threshold")
		limit, _ := cmd.Flags().GetInt("limit")

		req := map[string]any{
			"category": args[0],
		}
		if query != "" {
			req["query"] = query
			req["threshold"] = threshold
			req["limit"] = limit
		} else {
			req["timeframe"] = timeframe
			req["min_score"] = minScore
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/analyze", req)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Started task %s", result["task_id"])
		fmt.Printf("%s\n", result["task_id"])
		return nil
	},
}

func init() {
	analyzeCmd.Flags().String("timeframe", "week", "timeframe to scan: week, month, or year")
	analyzeCmd.Flags().Int("min-score", 0, "minimum post score")
	analyzeCmd.Flags().String("query", "", "rank posts by similarity to this query instead of scanning a timeframe")
	analyzeCmd.Flags().Float32("threshold", 0.7, "minimum similarity for query mode")
	analyzeCmd.Flags().Int("limit", 10, "maximum number of posts for query mode")
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and control analysis tasks",
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status <task_id>",
	Short: "Show the current status of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/analyze/"+args[0]+"/status")
		if err != nil {
			return err
		}

		var status any
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

var tasksCancelCmd = &cobra.Command{
	Use:   "cancel <task_id>",
	Short: "Cancel a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/analyze/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Task %s is %s", args[0], result["status"])
		return nil
	},
}

var tasksWatchCmd = &cobra.Command{
	Use:   "watch <task_id>",
	Short: "Stream status updates for a task until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/events/"+args[0])
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			fmt.Println(formatEvent(strings.TrimPrefix(line, "data: ")))
		}
		return scanner.Err()
	},
}

func init() {
	tasksCmd.AddCommand(tasksStatusCmd)
	tasksCmd.AddCommand(tasksCancelCmd)
	tasksCmd.AddCommand(tasksWatchCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Semantic search over stored subreddit posts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		subreddit, _ := cmd.Flags().GetString("subreddit")
		threshold, _ := cmd.Flags().GetFloat32("threshold")
		limit, _ := cmd.Flags().GetInt("limit")

		if subreddit == "" {
			return fmt.Errorf("--subreddit is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/search", map[string]any{
			"query":     query,
			"category":  subreddit,
			"threshold": threshold,
			"limit":     limit,
		})
		if err != nil {
			return err
		}

		var result struct {
			Data []searchResult `json:"data"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Data) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range result.Data {
			fmt.Print(formatSearchResult(i+1, r))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("subreddit", "", "subreddit to search in (required)")
	searchCmd.Flags().Float32("threshold", 0.7, "minimum similarity")
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate <subreddit>",
	Short: "Check that a subreddit exists and is accessible",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/subreddits/"+args[0]+"/validate")
		if err != nil {
			return err
		}

		var result struct {
			IsValid bool   `json:"is_valid"`
			Message string `json:"message"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.IsValid {
			printSuccess("%s", result.Message)
		} else {
			printError("%s", result.Message)
		}
		return nil
	},
}
