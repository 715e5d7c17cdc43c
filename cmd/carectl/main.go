package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"carelane/pkg/domain"
	"carelane/pkg/money"
	"carelane/sdk/go/carelane"
)

const usage = "usage: carectl treatment create|settle|get|history [flags]"

type repeatStringFlag []string

func (r *repeatStringFlag) String() string { return strings.Join(*r, ",") }
func (r *repeatStringFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	*r = append(*r, v)
	return nil
}

func main() {
	if len(os.Args) < 3 || os.Args[1] != "treatment" {
		fail(usage)
		os.Exit(2)
	}
	switch os.Args[2] {
	case "create":
		runCreate(os.Args[3:])
	case "settle":
		runSettle(os.Args[3:])
	case "get":
		runGet(os.Args[3:])
	case "history":
		runHistory(os.Args[3:])
	default:
		fail(usage)
		os.Exit(2)
	}
}

func runCreate(args []string) {
	fs := flag.NewFlagSet("treatment create", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	hospital := fs.String("hospital", "http://localhost:8080", "hospital node base url")
	patient := fs.String("patient", "", "patient name")
	nino := fs.String("nino", "", "patient national insurance number")
	description := fs.String("description", "", "treatment description")
	cost := fs.Int64("cost", 0, "estimated cost in minor units")
	currency := fs.String("currency", "GBP", "cost currency")
	var insurers repeatStringFlag
	fs.Var(&insurers, "insurer", "insurer to auction against (repeatable; default is the node's roster)")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*patient) == "" || strings.TrimSpace(*nino) == "" || *cost <= 0 {
		fail("--patient, --nino and a positive --cost are required")
		os.Exit(2)
	}

	client := carelane.NewClient(*hospital)
	rec, err := client.CreateTreatment(context.Background(), carelane.CreateTreatmentRequest{
		Patient:       domain.Patient{Name: *patient, NINO: *nino},
		Description:   *description,
		EstimatedCost: money.Amount{Quantity: *cost, Currency: *currency},
		Insurers:      insurers,
	})
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	pass(rec)
}

func runSettle(args []string) {
	fs := flag.NewFlagSet("treatment settle", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	hospital := fs.String("hospital", "http://localhost:8080", "hospital node base url")
	recordID := fs.String("record", "", "treatment record id")
	cost := fs.Int64("cost", 0, "actual cost in minor units")
	currency := fs.String("currency", "GBP", "cost currency")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*recordID) == "" || *cost <= 0 {
		fail("--record and a positive --cost are required")
		os.Exit(2)
	}

	client := carelane.NewClient(*hospital)
	rec, err := client.Settle(context.Background(), *recordID, money.Amount{Quantity: *cost, Currency: *currency})
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	pass(rec)
}

func runGet(args []string) {
	fs := flag.NewFlagSet("treatment get", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	hospital := fs.String("hospital", "http://localhost:8080", "hospital node base url")
	recordID := fs.String("record", "", "treatment record id")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*recordID) == "" {
		fail("--record is required")
		os.Exit(2)
	}

	client := carelane.NewClient(*hospital)
	rec, err := client.GetTreatment(context.Background(), *recordID)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	pass(rec)
}

func runHistory(args []string) {
	fs := flag.NewFlagSet("treatment history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	hospital := fs.String("hospital", "http://localhost:8080", "hospital node base url")
	recordID := fs.String("record", "", "treatment record id")
	if err := fs.Parse(args); err != nil {
		fail(err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*recordID) == "" {
		fail("--record is required")
		os.Exit(2)
	}

	client := carelane.NewClient(*hospital)
	versions, err := client.History(context.Background(), *recordID)
	if err != nil {
		fail(err.Error())
		os.Exit(1)
	}
	out, _ := json.Marshal(map[string]any{
		"status":        "PASS",
		"versions":      versions,
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339),
	})
	fmt.Println(string(out))
}

func pass(rec domain.TreatmentRecord) {
	out, _ := json.Marshal(map[string]any{
		"status":        "PASS",
		"record":        rec,
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339),
	})
	fmt.Println(string(out))
}

func fail(reason string) {
	out, _ := json.Marshal(map[string]any{
		"status":        "FAIL",
		"reason":        reason,
		"timestamp_utc": time.Now().UTC().Format(time.RFC3339),
	})
	fmt.Println(string(out))
}
