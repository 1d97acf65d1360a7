package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/strataops/xref/utils/pkg/logger"
	"github.com/strataops/xref/xref/pkg/importer"
	"github.com/strataops/xref/xref/pkg/store"
	"github.com/strataops/xref/xref/pkg/warehouse"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Warehouse configuration
	hostFlag := flag.String("warehouse-host", "", "Warehouse hostname (or set WAREHOUSE_HOST env var)")
	warehouseIDFlag := flag.String("warehouse-id", "", "Warehouse id (or set WAREHOUSE_ID env var)")
	tokenFlag := flag.String("token", "", "Warehouse bearer token (or set WAREHOUSE_TOKEN env var)")
	catalogFlag := flag.String("catalog", "", "Warehouse catalog (or set WAREHOUSE_CATALOG env var)")
	schemaFlag := flag.String("schema", "", "Warehouse schema (or set WAREHOUSE_SCHEMA env var)")
	tableFlag := flag.String("table", "pi_scada_xref", "Xref table name (or set XREF_TABLE env var)")
	baseTableFlag := flag.String("base-table", "", "Entity base table for tplnr lookups (or set XREF_BASE_TABLE env var)")
	proxyFlag := flag.String("proxy-base-url", "", "Relay base URL; bypasses direct warehouse access (or set PROXY_BASE_URL env var)")

	// Commands
	testConnectionFlag := flag.Bool("test-connection", false, "Verify warehouse connectivity and exit")
	listFlag := flag.Bool("list", false, "List all live records")
	sortByFlag := flag.String("sort-by", "scada_tag", "Sort column for -list")
	sortDirFlag := flag.String("sort-dir", "asc", "Sort direction for -list (asc, desc)")
	lookupFlag := flag.String("lookup", "", "Resolve a comma-separated list of tplnr codes")
	importFlag := flag.String("import", "", "Bulk-import records from a CSV or XLSX file")
	tagTypesFlag := flag.Bool("tag-types", false, "List the tag type vocabulary")
	aggregationTypesFlag := flag.Bool("aggregation-types", false, "List the aggregation type vocabulary")
	actorFlag := flag.String("actor", "xrefctl", "Actor recorded on writes")

	flag.Parse()

	// Load .env file. godotenv does not override existing env vars, so
	// process env and explicit exports take precedence.
	_ = godotenv.Load()

	for env, target := range map[string]*string{
		"WAREHOUSE_HOST":    hostFlag,
		"WAREHOUSE_ID":      warehouseIDFlag,
		"WAREHOUSE_TOKEN":   tokenFlag,
		"WAREHOUSE_CATALOG": catalogFlag,
		"WAREHOUSE_SCHEMA":  schemaFlag,
		"XREF_TABLE":        tableFlag,
		"XREF_BASE_TABLE":   baseTableFlag,
		"PROXY_BASE_URL":    proxyFlag,
	} {
		if v := os.Getenv(env); v != "" {
			*target = v
		}
	}

	log := logger.New(*verboseFlag)

	client, err := warehouse.NewClient(warehouse.Config{
		Logger:       log,
		Host:         *hostFlag,
		WarehouseID:  *warehouseIDFlag,
		Token:        *tokenFlag,
		Catalog:      *catalogFlag,
		Schema:       *schemaFlag,
		ProxyBaseURL: *proxyFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create warehouse client: %w", err)
	}

	st, err := store.New(store.Config{
		Logger:    log,
		Executor:  client,
		Table:     *tableFlag,
		BaseTable: *baseTableFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	ctx := context.Background()

	switch {
	case *testConnectionFlag:
		if err := st.Ping(ctx); err != nil {
			return fmt.Errorf("connection test failed: %w", err)
		}
		fmt.Println("ok")
		return nil

	case *listFlag:
		records, err := st.List(ctx, store.ListOptions{SortBy: *sortByFlag, SortDir: *sortDirFlag})
		if err != nil {
			return err
		}
		return printJSON(records)

	case *lookupFlag != "":
		keys := strings.Split(*lookupFlag, ",")
		resolved, err := st.ResolveTplnrs(ctx, keys)
		if err != nil {
			return err
		}
		return printJSON(resolved)

	case *importFlag != "":
		input, err := os.ReadFile(*importFlag)
		if err != nil {
			return fmt.Errorf("failed to read import file: %w", err)
		}
		pipeline, err := importer.New(importer.Config{Logger: log, Store: st})
		if err != nil {
			return err
		}
		result, err := pipeline.Import(ctx, input, filepath.Base(*importFlag), *actorFlag)
		if err != nil {
			return err
		}
		return printJSON(result)

	case *tagTypesFlag:
		values, err := st.TagTypes(ctx)
		if err != nil {
			return err
		}
		return printJSON(values)

	case *aggregationTypesFlag:
		values, err := st.AggregationTypes(ctx)
		if err != nil {
			return err
		}
		return printJSON(values)

	default:
		flag.Usage()
		return fmt.Errorf("no command given")
	}
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
