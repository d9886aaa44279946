// Package cli implements approvalctl, an offline tool for checking seed
// catalogs and previewing the chains they resolve to.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/tulkenz-ims/be-ops-approvals/internal/catalog"
	"github.com/tulkenz-ims/be-ops-approvals/internal/engine"
	"github.com/tulkenz-ims/be-ops-approvals/internal/platform/logger"
	"github.com/tulkenz-ims/be-ops-approvals/internal/repository"
	"github.com/tulkenz-ims/be-ops-approvals/internal/schema"
	"github.com/tulkenz-ims/be-ops-approvals/internal/service"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Width(14)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
)

// NewRootCommand builds the approvalctl command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "approvalctl",
		Short:         "Inspect approval catalogs and preview approval chains",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCommand(), newResolveCommand(), newDelegateCommand())
	return root
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <catalog.yaml>",
		Short: "Check a seed catalog against the template and delegation rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := catalog.LoadFile(args[0], schema.MustNew())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, okStyle.Render("✓ "+args[0]+" is valid"))
			printField(out, "templates", fmt.Sprint(len(seed.Templates)))
			printField(out, "delegations", fmt.Sprint(len(seed.Delegations)))
			printField(out, "roles", strings.Join(seed.RoleNames(), ", "))

			byCategory := map[engine.Category][]string{}
			for _, t := range seed.Templates {
				label := t.ID
				if t.IsDefault {
					label += " (default)"
				}
				if !t.IsActive {
					label += " (inactive)"
				}
				byCategory[t.Category] = append(byCategory[t.Category], label)
			}
			cats := make([]string, 0, len(byCategory))
			for c := range byCategory {
				cats = append(cats, string(c))
			}
			sort.Strings(cats)
			for _, c := range cats {
				printField(out, c, strings.Join(byCategory[engine.Category(c)], ", "))
			}
			return nil
		},
	}
}

type resolveOptions struct {
	catalogPath string
	category    string
	amount      string
	attrs       []string
	submitter   string
	at          string
	timezone    string
	asJSON      bool
}

func newResolveCommand() *cobra.Command {
	opts := &resolveOptions{}
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Show the approval chain a request would get",
		Long: `Resolve a request against a seed catalog without touching any store.

Example:
  approvalctl resolve --catalog catalog.yaml --category purchase --amount 45000 \
    --attr site=north --submitter u-req`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runResolve(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.catalogPath, "catalog", "", "seed catalog file (required)")
	f.StringVar(&opts.category, "category", "", "request category (required)")
	f.StringVar(&opts.amount, "amount", "", "request amount")
	f.StringArrayVar(&opts.attrs, "attr", nil, "request attribute as key=value; repeatable")
	f.StringVar(&opts.submitter, "submitter", "approvalctl", "submitting user id")
	f.StringVar(&opts.at, "at", "", "submission time (RFC 3339), defaults to now")
	f.StringVar(&opts.timezone, "timezone", "UTC", "business time zone for delegation dates")
	f.BoolVar(&opts.asJSON, "json", false, "print the chain as JSON")
	_ = cmd.MarkFlagRequired("catalog")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func runResolve(ctx context.Context, out io.Writer, opts *resolveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	seed, err := catalog.LoadFile(opts.catalogPath, schema.MustNew())
	if err != nil {
		return err
	}
	loc, err := time.LoadLocation(opts.timezone)
	if err != nil {
		return fmt.Errorf("timezone: %w", err)
	}

	req := engine.Request{
		Category:    engine.Category(opts.category),
		Attributes:  parseAttributes(opts.attrs),
		SubmitterID: opts.submitter,
	}
	if opts.amount != "" {
		amount, err := decimal.NewFromString(opts.amount)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		req.Amount = &amount
	}
	if opts.at != "" {
		at, err := time.Parse(time.RFC3339, opts.at)
		if err != nil {
			return fmt.Errorf("at: %w", err)
		}
		req.SubmittedAt = at
	}

	svc, err := offlineService(ctx, seed, loc)
	if err != nil {
		return err
	}
	inst, err := svc.Resolve(ctx, req)
	if err != nil {
		return err
	}

	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(inst)
	}
	printChain(out, inst)
	return nil
}

// offlineService loads the seed into memory stores behind an approval
// service that resolves roles from the seed's role table.
func offlineService(ctx context.Context, seed *catalog.Seed, loc *time.Location) (*service.ApprovalService, error) {
	templates := repository.NewMemoryTemplateStore()
	delegations := repository.NewMemoryDelegationStore()
	if _, err := catalog.Apply(ctx, seed, templates, delegations, logger.Nop()); err != nil {
		return nil, err
	}
	builder := engine.NewBuilder(seed.RoleDirectory(), engine.WithLocation(loc))
	return service.NewApprovalService(templates, delegations,
		repository.NewMemoryChainStore(), repository.NewMemoryAuditStore(),
		builder, nil, nil, 1, logger.Nop()), nil
}

func parseAttributes(pairs []string) engine.Attributes {
	if len(pairs) == 0 {
		return nil
	}
	attrs := make(engine.Attributes, len(pairs))
	for _, p := range pairs {
		key, raw, found := strings.Cut(p, "=")
		if !found {
			attrs[key] = true
			continue
		}
		attrs[key] = attributeValue(raw)
	}
	return attrs
}

// attributeValue reads raw as JSON when it parses (numbers, booleans,
// lists) and as a plain string otherwise.
func attributeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func printChain(out io.Writer, inst *engine.ChainInstance) {
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Template %s v%d (%s)", inst.TemplateID, inst.PinnedVersion, inst.Category)))
	if inst.Amount != nil {
		printField(out, "amount", inst.Amount.String())
	}
	printField(out, "submitted", inst.SubmittedAt.Format(time.RFC3339))

	for _, e := range inst.Entries {
		who := e.EffectiveApproverID
		if e.DelegationRuleID != "" {
			who = fmt.Sprintf("%s (for %s via %s)", e.EffectiveApproverID, e.NominalApproverID, e.DelegationRuleID)
		}
		line := fmt.Sprintf("step %d  %-12s %-10s %s", e.StepOrder, e.NominalApproverRole, e.StepKind, who)
		if e.Status == engine.EntrySkipped {
			fmt.Fprintln(out, skippedStyle.Render(line+"  skipped"))
			continue
		}
		fmt.Fprintln(out, line)
	}
	for _, w := range inst.Watchers {
		fmt.Fprintf(out, "notify  %-12s %s\n", w.Role, w.UserID)
	}
	for _, w := range inst.Warnings {
		fmt.Fprintln(out, warnStyle.Render("! "+w.Message))
	}
}

func newDelegateCommand() *cobra.Command {
	var (
		catalogPath string
		user        string
		date        string
		workflow    string
	)
	cmd := &cobra.Command{
		Use:   "who-acts",
		Short: "Show who acts for a user on a date under the catalog's delegations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seed, err := catalog.LoadFile(catalogPath, schema.MustNew())
			if err != nil {
				return err
			}
			asOf, err := engine.ParseDate(date)
			if err != nil {
				return fmt.Errorf("date: %w", err)
			}
			res, err := engine.ResolveEffectiveApprover(seed.Delegations, user, asOf, workflow)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			printField(out, "nominal", res.NominalUserID)
			printField(out, "effective", res.EffectiveUserID)
			if res.Rule != nil {
				printField(out, "rule", fmt.Sprintf("%s (%s to %s)", res.Rule.ID, res.Rule.StartDate, res.Rule.EndDate))
			}
			if res.Warning != nil {
				fmt.Fprintln(out, warnStyle.Render("! "+res.Warning.Error()))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&catalogPath, "catalog", "", "seed catalog file (required)")
	f.StringVar(&user, "user", "", "nominal approver user id (required)")
	f.StringVar(&date, "date", "", "date as YYYY-MM-DD (required)")
	f.StringVar(&workflow, "workflow", "", "template id the approval belongs to")
	_ = cmd.MarkFlagRequired("catalog")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func printField(out io.Writer, label, value string) {
	fmt.Fprintln(out, labelStyle.Render(label)+" "+value)
}
