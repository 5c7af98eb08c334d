package main

import (
	"bytes"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var scaffoldCmd = &cobra.Command{
	Use:   "scaffold <spec.yaml>",
	Short: "Scaffold a new venue adapter from a spec",
	Long: `Scaffold generates reader/<name>/venue.go from a YAML description:

  name: kraken
  ws_base: wss://ws.kraken.com/v2
  rest_base: https://api.kraken.com
  endpoints:
    instruments: /0/public/AssetPairs
  channels:
    trade: trade
    quote: ticker
    depth: book

The generated adapter compiles and registers nothing; wire it into the engine
factories once Decode is filled in.`,
	Args: cobra.ExactArgs(1),
	RunE: runScaffold,
}

var (
	scaffoldOut   string
	scaffoldForce bool
)

func init() {
	scaffoldCmd.Flags().StringVarP(&scaffoldOut, "out", "o", "", "output directory, stdout when empty")
	scaffoldCmd.Flags().BoolVar(&scaffoldForce, "force", false, "overwrite an existing venue.go")
	rootCmd.AddCommand(scaffoldCmd)
}

// AdapterSpec describes a venue to scaffold.
type AdapterSpec struct {
	Name      string            `yaml:"name"`
	WSBase    string            `yaml:"ws_base"`
	RestBase  string            `yaml:"rest_base"`
	Endpoints map[string]string `yaml:"endpoints"`
	Channels  struct {
		Trade string `yaml:"trade"`
		Quote string `yaml:"quote"`
		Depth string `yaml:"depth"`
	} `yaml:"channels"`
}

var packageName = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

func parseAdapterSpec(data []byte) (*AdapterSpec, error) {
	var spec AdapterSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse adapter spec: %w", err)
	}
	spec.Name = strings.ToLower(strings.TrimSpace(spec.Name))
	if !packageName.MatchString(spec.Name) {
		return nil, fmt.Errorf("adapter name %q must be a lower case identifier", spec.Name)
	}
	if spec.WSBase == "" {
		return nil, fmt.Errorf("adapter %s needs ws_base", spec.Name)
	}
	if spec.RestBase == "" {
		return nil, fmt.Errorf("adapter %s needs rest_base", spec.Name)
	}
	if spec.Endpoints["instruments"] == "" {
		return nil, fmt.Errorf("adapter %s needs endpoints.instruments", spec.Name)
	}
	if spec.Channels.Trade == "" && spec.Channels.Quote == "" && spec.Channels.Depth == "" {
		return nil, fmt.Errorf("adapter %s needs at least one channel", spec.Name)
	}
	return &spec, nil
}

func renderAdapter(spec *AdapterSpec) ([]byte, error) {
	var buf bytes.Buffer
	if err := adapterTemplate.Execute(&buf, spec); err != nil {
		return nil, err
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("generated adapter does not parse: %w", err)
	}
	return src, nil
}

func runScaffold(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read adapter spec: %w", err)
	}
	spec, err := parseAdapterSpec(data)
	if err != nil {
		return err
	}
	src, err := renderAdapter(spec)
	if err != nil {
		return err
	}
	if scaffoldOut == "" {
		_, err = cmd.OutOrStdout().Write(src)
		return err
	}

	dir := filepath.Join(scaffoldOut, spec.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, "venue.go")
	if _, err := os.Stat(path); err == nil && !scaffoldForce {
		return fmt.Errorf("%s exists, use --force to overwrite", path)
	}
	if err := os.WriteFile(path, src, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", path)
	return nil
}

var adapterTemplate = template.Must(template.New("venue").Parse(`package {{.Name}}

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	appconfig "ingestflow/config"
	"ingestflow/models"
	"ingestflow/reader"
)

const (
	DefaultWSBase   = "{{.WSBase}}"
	DefaultRestBase = "{{.RestBase}}"

	instrumentsPath = "{{index .Endpoints "instruments"}}"
)

// Venue is the {{.Name}} public market data protocol.
type Venue struct {
	name   string
	cfg    *appconfig.VenueConfig
	ws     string
	rest   string
	client *http.Client
}

func New(cfg *appconfig.VenueConfig) (*Venue, error) {
	rest := strings.TrimSuffix(cfg.RestBase, "/")
	if rest == "" {
		rest = DefaultRestBase
	}
	ws := cfg.WSBase
	if ws == "" {
		ws = DefaultWSBase
	}
	return &Venue{
		name:   cfg.Name,
		cfg:    cfg,
		ws:     ws,
		rest:   rest,
		client: reader.NewHTTPClient(cfg),
	}, nil
}

func (v *Venue) Name() string { return v.name }

// Discover lists trading symbols from {{index .Endpoints "instruments"}}.
func (v *Venue) Discover(ctx context.Context, req reader.DiscoveryRequest) ([]models.Symbol, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, v.rest+instrumentsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reader.ErrDiscoveryFailed, err)
	}
	res, err := v.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", reader.ErrDiscoveryFailed, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: {{.Name}} returned %s", reader.ErrDiscoveryFailed, res.Status)
	}

	var listed []models.Symbol
	// decode the instrument list into listed
	return reader.SelectSymbols(v.name, listed, req)
}

func (v *Venue) Dial(ctx context.Context) (reader.Conn, error) {
	conn, err := reader.DialWS(ctx, reader.WSOptionsFromConfig(v.cfg, v.ws, v.subscriptions))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (v *Venue) subscriptions(symbols []*models.Symbol) []interface{} {
	var args []string
	for _, s := range symbols {
{{- if .Channels.Trade}}
		if v.cfg.Channels.TradesEnabled() {
			args = append(args, "{{.Channels.Trade}}:"+s.Native)
		}
{{- end}}
{{- if .Channels.Quote}}
		if v.cfg.Channels.Ticker.Enabled {
			args = append(args, "{{.Channels.Quote}}:"+s.Native)
		}
{{- end}}
{{- if .Channels.Depth}}
		if v.cfg.Channels.Depth.Enabled {
			args = append(args, "{{.Channels.Depth}}:"+s.Native)
		}
{{- end}}
	}
	return []interface{}{map[string]interface{}{"op": "subscribe", "args": args}}
}

// Decode turns one frame into raw events. Control frames yield none.
func (v *Venue) Decode(msg []byte, receivedAt time.Time) ([]models.RawVenueEvent, error) {
	obj, err := reader.ParseObject(msg)
	if err != nil {
		return nil, err
	}
	switch obj.String("channel") {
{{- if .Channels.Trade}}
	case "{{.Channels.Trade}}":
		return nil, fmt.Errorf("%w: {{.Channels.Trade}} decoding not implemented", reader.ErrMalformed)
{{- end}}
{{- if .Channels.Quote}}
	case "{{.Channels.Quote}}":
		return nil, fmt.Errorf("%w: {{.Channels.Quote}} decoding not implemented", reader.ErrMalformed)
{{- end}}
{{- if .Channels.Depth}}
	case "{{.Channels.Depth}}":
		return nil, fmt.Errorf("%w: {{.Channels.Depth}} decoding not implemented", reader.ErrMalformed)
{{- end}}
	}
	return nil, nil
}
`))
