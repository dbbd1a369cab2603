package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/mrmod/gerrit-verify/backend"
	"github.com/mrmod/gerrit-verify/config"
	"github.com/mrmod/gerrit-verify/unverify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var unverifyTopicCmd = &cobra.Command{
	Use:   "unverify-topic <topic>",
	Short: "Remove Verified votes from every open change of a topic",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnverifyTopic,
}

var historyCmd = &cobra.Command{
	Use:   "history <change>",
	Short: "Show removed votes and the last verify trigger of a change",
	Long: `history reads the configured backend only. The gerrit, unverify and
verify-trigger sections may be left out of the config.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(unverifyTopicCmd)
	rootCmd.AddCommand(historyCmd)
}

func runUnverifyTopic(cmd *cobra.Command, args []string) error {
	_, c, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rest, err := newRESTClient(c)
	if err != nil {
		return err
	}
	b, err := newBackend(c)
	if err != nil {
		return err
	}
	defer closeBackend(b)

	p := unverify.New(rest, rest, rest, b, c.PropagatorConfig())
	res, err := p.UnverifyTopic(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if res.Aborted {
		fmt.Fprintf(out, "topic %q matched %d changes, more than the limit; nothing was changed\n", res.Topic, res.Matched)
		return nil
	}
	fmt.Fprintf(out, "topic %q: %d changes matched, %d changes affected, %d votes removed\n",
		res.Topic, res.Matched, res.ChangesAffected, res.VotesRemoved)
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  error: %v\n", e)
	}
	if len(res.Errors) > 0 {
		return errors.Errorf("%d votes could not be removed", len(res.Errors))
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	change, err := strconv.Atoi(args[0])
	if err != nil {
		return errors.Errorf("change must be a number, got %q", args[0])
	}
	_, c, err := readConfig(cmd, config.LoadBackend)
	if err != nil {
		return err
	}
	b, err := newBackend(c)
	if err != nil {
		return err
	}
	if b == nil {
		return errors.New("history needs a redis or sqlite backend")
	}
	defer closeBackend(b)
	return printHistory(cmd, b, change)
}

func printHistory(cmd *cobra.Command, b backend.Backend, change int) error {
	ctx := cmd.Context()
	unverifications, err := b.ListUnverifications(ctx, change)
	if err != nil {
		return errors.Wrap(err, "list unverifications")
	}
	trigger, err := b.LastTrigger(ctx, change)
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return errors.Wrap(err, "load last trigger")
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Change %d\n", change)
	if len(unverifications) == 0 {
		fmt.Fprintln(w, "No removed Verified votes")
	} else {
		fmt.Fprintln(w, "WHEN\tEVENT\tTOPIC\tVOTER\tVALUE")
		for _, u := range unverifications {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%+d\n", formatTime(u.CreatedAt), u.Event, u.Topic, u.Voter, u.Value)
		}
	}
	if trigger != nil {
		fmt.Fprintf(w, "Last verify trigger\t%s\t%s by account %d (%s)\n",
			formatTime(trigger.CreatedAt), trigger.Target, trigger.AccountID, trigger.ID)
	} else {
		fmt.Fprintln(w, "No verify trigger recorded")
	}
	return w.Flush()
}
