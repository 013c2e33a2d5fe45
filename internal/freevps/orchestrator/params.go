package orchestrator

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidParameters is returned when the deployment parameters fail schema
// validation or the session credential does not carry the provider tag.
// Raised before any coin is debited.
var ErrInvalidParameters = errors.New("invalid deployment parameters")

//go:embed params_schema.json
var paramsSchemaJSON string

// paramsSchema rejects unknown keys and wrong types before the parameters
// struct is even populated, replacing the permissive config object of the
// previous implementation.
var paramsSchema = jsonschema.MustCompileString("params_schema.json", paramsSchemaJSON)

// DeployParams enumerates every recognized deployment option and its default.
// SESSION_ID is the secret-bearing field; it is stored on the instance record
// but stripped from every read API response.
type DeployParams struct {
	SessionID      string `json:"SESSION_ID"`
	Prefix         string `json:"PREFIX,omitempty"`
	Mode           string `json:"MODE,omitempty"`
	OwnerName      string `json:"OWNER_NAME,omitempty"`
	OwnerNumber    string `json:"OWNER_NUMBER,omitempty"`
	AutoRead       bool   `json:"AUTO_READ,omitempty"`
	AutoReact      bool   `json:"AUTO_REACT,omitempty"`
	AutoStatusSeen *bool  `json:"AUTO_STATUS_SEEN,omitempty"`
	Antilink       bool   `json:"ANTILINK,omitempty"`
	BotName        string `json:"BOT_NAME,omitempty"`
}

// ParseParams validates raw JSON deployment parameters against the schema,
// fills defaults, and checks that the session credential carries the expected
// provider tag. All failures wrap ErrInvalidParameters.
func ParseParams(raw json.RawMessage, sessionTag string) (*DeployParams, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing parameters", ErrInvalidParameters)
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrInvalidParameters, err)
	}
	if err := paramsSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, schemaErrorSummary(err))
	}

	params := &DeployParams{}
	if err := json.Unmarshal(raw, params); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	params.applyDefaults()

	if sessionTag != "" && !strings.Contains(params.SessionID, sessionTag) {
		return nil, fmt.Errorf("%w: SESSION_ID must carry the %s tag", ErrInvalidParameters, sessionTag)
	}

	return params, nil
}

func (p *DeployParams) applyDefaults() {
	if p.Prefix == "" {
		p.Prefix = "."
	}
	if p.Mode == "" {
		p.Mode = "public"
	}
	if p.OwnerName == "" {
		p.OwnerName = "INCONNU USER"
	}
	if p.BotName == "" {
		p.BotName = "INCONNU XD V2"
	}
	if p.AutoStatusSeen == nil {
		v := true
		p.AutoStatusSeen = &v
	}
}

// Env returns the environment bindings injected into the bot container.
func (p *DeployParams) Env() map[string]string {
	return map[string]string{
		"SESSION_ID":       p.SessionID,
		"PREFIX":           p.Prefix,
		"MODE":             p.Mode,
		"OWNER_NAME":       p.OwnerName,
		"OWNER_NUMBER":     p.OwnerNumber,
		"AUTO_READ":        strconv.FormatBool(p.AutoRead),
		"AUTO_REACT":       strconv.FormatBool(p.AutoReact),
		"AUTO_STATUS_SEEN": strconv.FormatBool(*p.AutoStatusSeen),
		"ANTILINK":         strconv.FormatBool(p.Antilink),
		"BOT_NAME":         p.BotName,
	}
}

// Encode serializes the parameters for storage on the instance record.
func (p *DeployParams) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return string(data), nil
}

// schemaErrorSummary flattens a jsonschema validation error to its most
// specific leaf cause, which reads far better than the full tree.
func schemaErrorSummary(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		return leaf.Message
	}
	return fmt.Sprintf("%s: %s", loc, leaf.Message)
}
