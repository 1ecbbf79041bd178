package openid

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// NSAX is the attribute exchange 1.0 namespace.
const NSAX = "http://openid.net/srv/ax/1.0"

// Extension contributes fields to outgoing requests and reads its part of
// verified responses.
type Extension interface {
	Name() string
	ExtendRequest(req *AuthRequest) error
	ExtendFetch(fetch *FetchRequest)
	Process(resp *Response, id *Identity) error
}

// Registry runs extensions in registration order.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger
}

// NewRegistry builds a registry from an explicit, ordered extension list.
func NewRegistry(logger *slog.Logger, extensions ...Extension) *Registry {
	return &Registry{extensions: extensions, logger: logger}
}

// Extensions returns the registered extensions in order.
func (r *Registry) Extensions() []Extension {
	out := make([]Extension, len(r.extensions))
	copy(out, r.extensions)
	return out
}

// ExtendRequest lets every extension annotate req, then attaches the
// combined attribute exchange fetch request when any attribute was asked for.
func (r *Registry) ExtendRequest(req *AuthRequest) error {
	fetch := &FetchRequest{}
	for _, ext := range r.extensions {
		if err := ext.ExtendRequest(req); err != nil {
			return fmt.Errorf("extension %s: %w", ext.Name(), err)
		}
		ext.ExtendFetch(fetch)
	}
	if fetch.Empty() {
		return nil
	}
	return req.AddExtension(NSAX, "ax", fetch.fields())
}

// Process hands the verified response to each extension. Failures are
// logged and skipped so one extension cannot fail the login.
func (r *Registry) Process(resp *Response, id *Identity) {
	for _, ext := range r.extensions {
		if err := ext.Process(resp, id); err != nil {
			r.logger.Warn("extension processing failed",
				"extension", ext.Name(), "endpoint", resp.Endpoint(), "error", err)
		}
	}
}

// Response is a read-only view of a verified positive assertion that
// exposes only signed extension fields.
type Response struct {
	msg Message
}

// NewResponse wraps a verified assertion message.
func NewResponse(msg Message) *Response {
	return &Response{msg: msg}
}

// Endpoint returns the asserting provider endpoint.
func (r *Response) Endpoint() string {
	return r.msg["op_endpoint"]
}

// Extension returns the signed fields of namespace nsURI without their
// alias prefix. The alias declaration itself must be signed.
func (r *Response) Extension(nsURI string) (map[string]string, bool) {
	alias := ""
	for k, v := range r.msg {
		if v == nsURI && strings.HasPrefix(k, "ns.") && r.msg.IsSigned(k) {
			alias = strings.TrimPrefix(k, "ns.")
			break
		}
	}
	if alias == "" {
		return nil, false
	}
	prefix := alias + "."
	fields := map[string]string{}
	for _, key := range r.msg.SignedFields() {
		if strings.HasPrefix(key, prefix) {
			fields[strings.TrimPrefix(key, prefix)] = r.msg[key]
		}
	}
	return fields, true
}

// FetchResponse decodes the signed attribute exchange payload, if any.
func (r *Response) FetchResponse() (*FetchResponse, bool, error) {
	fields, ok := r.Extension(NSAX)
	if !ok {
		return nil, false, nil
	}
	fr, err := ParseFetchResponse(fields)
	if err != nil {
		return nil, true, err
	}
	return fr, true, nil
}

// FetchAttribute is one attribute requested through attribute exchange.
type FetchAttribute struct {
	Alias    string
	TypeURI  string
	Required bool
}

// FetchRequest collects attribute exchange requests from all extensions.
type FetchRequest struct {
	attrs []FetchAttribute
}

// Add requests typeURI under alias. Repeated type URIs are ignored; a
// required request upgrades an optional one.
func (f *FetchRequest) Add(alias, typeURI string, required bool) {
	for i := range f.attrs {
		if f.attrs[i].TypeURI == typeURI {
			f.attrs[i].Required = f.attrs[i].Required || required
			return
		}
	}
	f.attrs = append(f.attrs, FetchAttribute{Alias: alias, TypeURI: typeURI, Required: required})
}

// Attributes returns the requested attributes in order.
func (f *FetchRequest) Attributes() []FetchAttribute {
	out := make([]FetchAttribute, len(f.attrs))
	copy(out, f.attrs)
	return out
}

// Empty reports whether nothing was requested.
func (f *FetchRequest) Empty() bool {
	return len(f.attrs) == 0
}

func (f *FetchRequest) fields() map[string]string {
	out := map[string]string{"mode": "fetch_request"}
	var required, optional []string
	for _, a := range f.attrs {
		out["type."+a.Alias] = a.TypeURI
		if a.Required {
			required = append(required, a.Alias)
		} else {
			optional = append(optional, a.Alias)
		}
	}
	if len(required) > 0 {
		out["required"] = strings.Join(required, ",")
	}
	if len(optional) > 0 {
		out["if_available"] = strings.Join(optional, ",")
	}
	return out
}

// FetchResponse holds attribute exchange values keyed by type URI.
type FetchResponse struct {
	values map[string][]string
}

// ParseFetchResponse decodes fetch_response fields (alias prefix removed).
func ParseFetchResponse(fields map[string]string) (*FetchResponse, error) {
	if mode := fields["mode"]; mode != "fetch_response" {
		return nil, fmt.Errorf("unexpected ax mode %q", mode)
	}
	fr := &FetchResponse{values: map[string][]string{}}
	for key, typeURI := range fields {
		alias, ok := strings.CutPrefix(key, "type.")
		if !ok {
			continue
		}
		countStr, counted := fields["count."+alias]
		if !counted {
			if v, ok := fields["value."+alias]; ok {
				fr.values[typeURI] = append(fr.values[typeURI], v)
			}
			continue
		}
		count, err := strconv.Atoi(countStr)
		if err != nil || count < 0 {
			return nil, fmt.Errorf("invalid ax count for %s: %q", alias, countStr)
		}
		for i := 1; i <= count; i++ {
			v, ok := fields["value."+alias+"."+strconv.Itoa(i)]
			if !ok {
				return nil, fmt.Errorf("ax value %d of %s missing", i, alias)
			}
			fr.values[typeURI] = append(fr.values[typeURI], v)
		}
	}
	return fr, nil
}

// Values returns every value asserted for typeURI.
func (f *FetchResponse) Values(typeURI string) []string {
	return f.values[typeURI]
}

// First returns the first non-empty value asserted for typeURI.
func (f *FetchResponse) First(typeURI string) string {
	for _, v := range f.values[typeURI] {
		if v != "" {
			return v
		}
	}
	return ""
}
