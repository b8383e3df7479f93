package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/interactive-solutions/go-sms"
	"github.com/pkg/errors"
)

// variables collects repeated -var name=value flags.
type variables map[string]string

func (v variables) String() string {
	pairs := make([]string, 0, len(v))
	for k, value := range v {
		pairs = append(pairs, k+"="+value)
	}

	return strings.Join(pairs, ",")
}

func (v variables) Set(pair string) error {
	name, value, ok := strings.Cut(pair, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return errors.Errorf("variable %q must look like name=value", pair)
	}

	v[strings.TrimSpace(name)] = value

	return nil
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return sms.ResultFailure.ExitCode()
}

func printJson(v interface{}) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fail(err)
	}

	return 0
}

func (env *environment) sendCommand(ctx context.Context, args []string) int {
	vars := variables{}

	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	to := fs.String("to", "", "recipient phone number")
	template := fs.String("template", "", "template name")
	message := fs.String("message", "", "literal message body")
	from := fs.String("from", "", "sender override")
	preview := fs.Bool("preview", false, "render without sending")
	fs.Var(vars, "var", "template variable name=value, repeatable")

	if err := fs.Parse(args); err != nil {
		return fail(err)
	}

	if !*preview {
		if err := env.requireGateway(); err != nil {
			return fail(err)
		}
	}

	result, err := env.app.Send(ctx, sms.SendRequest{
		To:        *to,
		Template:  *template,
		Body:      *message,
		Variables: vars,
		From:      *from,
		Preview:   *preview,
	})
	if err != nil {
		return fail(err)
	}

	fmt.Printf("%s\n\n%d characters, %d segment(s), unicode: %t\n",
		result.Preview.Body, result.Preview.Length, result.Preview.Segments, result.Preview.HasUnicode)

	if result.Outcome == nil {
		return sms.ResultSuccess.ExitCode()
	}

	if !result.Outcome.Success {
		fmt.Fprintf(os.Stderr, "failed to send to %s: %s\n", result.Outcome.To, result.Outcome.Error)
		return sms.ResultFailure.ExitCode()
	}

	fmt.Printf("sent to %s, message id %s, status %s\n", result.Outcome.To, result.Outcome.MessageId, result.Outcome.Status)

	return sms.ResultSuccess.ExitCode()
}

func (env *environment) bulkCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("bulk", flag.ContinueOnError)
	template := fs.String("template", "", "template name")
	file := fs.String("file", "", "csv file with a phone column")
	rate := fs.Float64("rate-limit", env.cfg.RateLimit, "messages per second")
	from := fs.String("from", "", "sender override")
	preview := fs.Bool("preview", false, "render the first rows without sending")

	if err := fs.Parse(args); err != nil {
		return fail(err)
	}

	if *template == "" || *file == "" {
		return fail(errors.Wrap(sms.ValidationErr, "-template and -file are required"))
	}

	f, err := os.Open(*file)
	if err != nil {
		return fail(err)
	}
	defer f.Close()

	input, err := sms.ReadRecipients(f)
	if err != nil {
		return fail(err)
	}

	if !*preview {
		if err := env.requireGateway(); err != nil {
			return fail(err)
		}
	}

	report, err := env.app.SendBulk(ctx, sms.BulkRequest{
		Template:  *template,
		Input:     input,
		RateLimit: *rate,
		From:      *from,
		Preview:   *preview,
	})

	if *preview && err == nil {
		for _, p := range report.Previews {
			if p.Error != "" {
				fmt.Printf("row %d %s: %s\n", p.Row, p.Phone, p.Error)
				continue
			}

			fmt.Printf("row %d %s: %s\n", p.Row, p.Phone, p.Body)
		}

		fmt.Printf("\n%d recipients, about %d segment(s) each, estimated cost %.4f %s\n",
			report.Estimate.Recipients, report.Estimate.Segments, report.Estimate.TotalCost, report.Estimate.Currency)

		return sms.ResultSuccess.ExitCode()
	}

	if report.Successful+report.Failed+report.Rejected > 0 {
		fmt.Printf("batch %s: %d sent, %d failed, %d rejected of %d\n",
			report.BatchId, report.Successful, report.Failed, report.Rejected, report.Total)

		for _, failure := range report.Failures {
			fmt.Printf("  row %d %s (%s): %s\n", failure.Row, failure.Phone, failure.Stage, failure.Error)
		}
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}

	return bulkExitCode(report, err)
}

// bulkExitCode treats any run that attempted sends as partial, even when
// every row failed. Only an error before the first send is a hard failure.
func bulkExitCode(report sms.BulkReport, err error) int {
	if err != nil {
		if report.Successful > 0 {
			return sms.ResultPartial.ExitCode()
		}

		return sms.ResultFailure.ExitCode()
	}

	return report.Result().ExitCode()
}

func (env *environment) templateCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return fail(errors.New("template: expected list, show, create, delete or test"))
	}

	templates := env.app.Templates()

	switch sub, args := args[0], args[1:]; sub {
	case "list":
		list, err := templates.List(ctx)
		if err != nil {
			return fail(err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVARIABLES\tLOCATION")
		for _, info := range list {
			content, err := templates.Content(ctx, info.Name)
			if err != nil {
				return fail(err)
			}

			fmt.Fprintf(w, "%s\t%s\t%s\n", info.Name, strings.Join(sms.ExtractVariables(content), ", "), info.Location)
		}
		w.Flush()

	case "show":
		if len(args) != 1 {
			return fail(errors.New("template show: expected a template name"))
		}

		content, err := templates.Content(ctx, args[0])
		if err != nil {
			return fail(err)
		}

		fmt.Println(content)
		fmt.Printf("\nvariables: %s\n", strings.Join(sms.ExtractVariables(content), ", "))

	case "create":
		fs := flag.NewFlagSet("template create", flag.ContinueOnError)
		name := fs.String("name", "", "template name")
		content := fs.String("content", "", "template text")
		file := fs.String("file", "", "read the template text from a file")

		if err := fs.Parse(args); err != nil {
			return fail(err)
		}

		text := *content
		if *file != "" {
			data, err := os.ReadFile(*file)
			if err != nil {
				return fail(err)
			}
			text = string(data)
		}

		if err := templates.Create(ctx, *name, text); err != nil {
			return fail(err)
		}

		fmt.Printf("template %s saved, variables: %s\n", *name, strings.Join(sms.ExtractVariables(text), ", "))

	case "delete":
		if len(args) != 1 {
			return fail(errors.New("template delete: expected a template name"))
		}

		if !templates.Delete(ctx, args[0]) {
			return fail(errors.Wrapf(sms.TemplateNotFoundErr, "template %q", args[0]))
		}

		fmt.Printf("template %s deleted\n", args[0])

	case "test":
		if len(args) == 0 {
			return fail(errors.New("template test: expected a template name"))
		}

		vars := variables{}
		fs := flag.NewFlagSet("template test", flag.ContinueOnError)
		fs.Var(vars, "var", "template variable name=value, repeatable")

		if err := fs.Parse(args[1:]); err != nil {
			return fail(err)
		}

		validation, err := templates.Validate(ctx, args[0], vars)
		if err != nil {
			return fail(err)
		}

		result, err := templates.Preview(ctx, args[0], vars)
		if err != nil {
			return fail(err)
		}

		fmt.Printf("%s\n\n%d characters, %d segment(s), unicode: %t\n", result.Body, result.Length, result.Segments, result.HasUnicode)

		if len(validation.Extra) > 0 {
			fmt.Printf("unused variables: %s\n", strings.Join(validation.Extra, ", "))
		}

		if err := validation.Err(); err != nil {
			return fail(err)
		}

	default:
		return fail(errors.Errorf("template: unknown command %q", sub))
	}

	return 0
}

func (env *environment) historyCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return fail(errors.New("history: expected list, show, stats, export, clear, recipient or search"))
	}

	deliveries := env.app.Deliveries()

	switch sub, args := args[0], args[1:]; sub {
	case "list":
		fs := flag.NewFlagSet("history list", flag.ContinueOnError)
		limit := fs.Int("limit", 20, "maximum number of records")
		recipient := fs.String("recipient", "", "only this recipient")
		template := fs.String("template", "", "only this template")
		failed := fs.Bool("failed", false, "only failed sends")

		if err := fs.Parse(args); err != nil {
			return fail(err)
		}

		criteria := sms.DeliveryCriteria{
			Limit:     *limit,
			Recipient: *recipient,
			Template:  *template,
		}

		if *failed {
			success := false
			criteria.Success = &success
		}

		records, err := deliveries.Query(ctx, criteria)
		if err != nil {
			return fail(err)
		}

		printRecords(os.Stdout, records)

	case "show":
		if len(args) != 1 {
			return fail(errors.New("history show: expected a record id"))
		}

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fail(errors.Wrapf(sms.ValidationErr, "invalid record id %q", args[0]))
		}

		record, err := deliveries.Get(ctx, id)
		if err != nil {
			return fail(err)
		}

		return printJson(record)

	case "stats":
		fs := flag.NewFlagSet("history stats", flag.ContinueOnError)
		days := fs.Int("days", 30, "period in days")

		if err := fs.Parse(args); err != nil {
			return fail(err)
		}

		stats, err := deliveries.Stats(ctx, *days)
		if err != nil {
			return fail(err)
		}

		return printJson(stats)

	case "export":
		fs := flag.NewFlagSet("history export", flag.ContinueOnError)
		format := fs.String("format", sms.ExportCSV, "csv or json")
		limit := fs.Int("limit", 1000, "maximum number of records")
		out := fs.String("out", "", "write to this file instead of stdout")

		if err := fs.Parse(args); err != nil {
			return fail(err)
		}

		data, err := deliveries.Export(ctx, *format, *limit)
		if err != nil {
			return fail(err)
		}

		if *out == "" {
			os.Stdout.Write(data)
			return 0
		}

		if err := os.WriteFile(*out, data, 0o644); err != nil {
			return fail(err)
		}

		fmt.Printf("exported to %s\n", *out)

	case "clear":
		fs := flag.NewFlagSet("history clear", flag.ContinueOnError)
		days := fs.Int("older-than", 0, "only delete records older than this many days")

		if err := fs.Parse(args); err != nil {
			return fail(err)
		}

		deleted, err := deliveries.Prune(ctx, *days)
		if err != nil {
			return fail(err)
		}

		fmt.Printf("deleted %d record(s)\n", deleted)

	case "recipient":
		if len(args) != 1 {
			return fail(errors.New("history recipient: expected a phone number"))
		}

		history, err := deliveries.RecipientHistory(ctx, args[0])
		if err != nil {
			return fail(err)
		}

		return printJson(history)

	case "search":
		fs := flag.NewFlagSet("history search", flag.ContinueOnError)
		limit := fs.Int("limit", 20, "maximum number of records")

		if err := fs.Parse(args); err != nil {
			return fail(err)
		}

		if fs.NArg() != 1 {
			return fail(errors.New("history search: expected the text to search for"))
		}

		records, err := deliveries.Search(ctx, fs.Arg(0), *limit)
		if err != nil {
			return fail(err)
		}

		printRecords(os.Stdout, records)

	default:
		return fail(errors.Errorf("history: unknown command %q", sub))
	}

	return 0
}

func printRecords(out io.Writer, records []sms.DeliveryRecord) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSENT\tRECIPIENT\tTEMPLATE\tSTATUS\tMESSAGE")

	for _, r := range records {
		status := r.Status
		if !r.Success {
			status = "failed: " + r.Error
		}

		message := r.Message
		if len([]rune(message)) > 40 {
			message = string([]rune(message)[:40]) + "..."
		}

		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Id, r.SentAt.Format(time.RFC3339), r.Recipient, r.TemplateName, status, message)
	}

	w.Flush()
}

func validateCommand(args []string) int {
	if len(args) == 0 {
		return fail(errors.New("validate: expected one or more phone numbers"))
	}

	invalid := 0
	for _, number := range args {
		result := sms.ValidatePhone(number)
		if !result.Valid {
			invalid++
			fmt.Printf("%s: invalid (%s)\n", number, result.Error)
			continue
		}

		fmt.Printf("%s: valid, %s (%s)\n", number, result.E164, result.Country)
	}

	switch {
	case invalid == 0:
		return sms.ResultSuccess.ExitCode()
	case invalid < len(args):
		return sms.ResultPartial.ExitCode()
	default:
		return sms.ResultFailure.ExitCode()
	}
}

func (env *environment) serveCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", env.cfg.HttpAddr, "listen address")

	if err := fs.Parse(args); err != nil {
		return fail(err)
	}

	server := &http.Server{
		Addr:              *addr,
		Handler:           env.app.HttpHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			env.logger.WithError(err).Error("failed to shut down http server")
		}
	}()

	env.logger.WithField("addr", *addr).Info("serving admin api")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fail(err)
	}

	return 0
}
