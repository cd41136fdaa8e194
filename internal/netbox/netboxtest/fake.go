// Package netboxtest provides an in-memory NetBox for tests.
package netboxtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/netbox-sync/netbox-sync/internal/netbox"
)

// refFields are written as ids and read back as nested objects.
var refFields = map[string]netbox.Kind{
	"virtual_machine": netbox.KindVirtualMachine,
	"cluster":         netbox.KindCluster,
	"site":            netbox.KindSite,
	"platform":        netbox.KindPlatform,
	"type":            netbox.KindClusterType,
	"primary_ip4":     netbox.KindIPAddress,
}

// Write is a mutation the fake received.
type Write struct {
	Method string
	Kind   netbox.Kind
	ID     int
	Body   map[string]any
}

type failure struct {
	method string
	kind   netbox.Kind
	id     int
	err    error
}

// Fake behaves like the NetBox REST API closely enough for the sync: ids are
// allocated on create, references are expanded on read and list filters
// match on plain and nested fields.
type Fake struct {
	mu       sync.Mutex
	objects  map[netbox.Kind]map[int]map[string]any
	nextID   int
	writes   []Write
	failures []failure
	version  string
}

var _ netbox.API = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		objects: map[netbox.Kind]map[int]map[string]any{},
		nextID:  100,
		version: "4.2.3",
	}
}

func (f *Fake) SetVersion(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version = v
}

// FailOn makes every method call on kind fail with err. An id of 0 matches
// any object.
func (f *Fake) FailOn(method string, kind netbox.Kind, id int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure{method: method, kind: kind, id: id, err: err})
}

// Forbidden returns the error NetBox answers with for a missing permission.
func Forbidden(method string, kind netbox.Kind) error {
	return &netbox.APIError{
		StatusCode: http.StatusForbidden,
		Method:     method,
		Path:       "/api/" + string(kind) + "/",
		Body:       `{"detail":"You do not have permission to perform this action."}`,
	}
}

// Seed stores obj without recording a write and returns its id.
func (f *Fake) Seed(kind netbox.Kind, obj any) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := toMap(obj)
	if err != nil {
		panic(err)
	}
	id := intValue(m["id"])
	if id == 0 {
		id = f.allocate()
	} else if id >= f.nextID {
		f.nextID = id + 1
	}
	m["id"] = float64(id)
	f.store(kind)[id] = m
	return id
}

// Load decodes the stored object into out and reports whether it exists.
func (f *Fake) Load(kind netbox.Kind, id int, out any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.store(kind)[id]
	if !ok {
		return false
	}
	if err := fromValue(f.expand(m), out); err != nil {
		panic(err)
	}
	return true
}

// All decodes every object of kind, ordered by id, into out.
func (f *Fake) All(kind netbox.Kind, out any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := fromValue(f.list(kind, nil), out); err != nil {
		panic(err)
	}
}

func (f *Fake) Count(kind netbox.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.store(kind))
}

// Writes returns the recorded mutations, optionally narrowed to one method.
func (f *Fake) Writes(method string) []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Write
	for _, w := range f.writes {
		if method == "" || w.Method == method {
			out = append(out, w)
		}
	}
	return out
}

func (f *Fake) ResetWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}

func (f *Fake) Status(ctx context.Context) (*netbox.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(http.MethodGet, "status", 0); err != nil {
		return nil, err
	}
	return &netbox.Status{NetBoxVersion: f.version}, nil
}

func (f *Fake) List(ctx context.Context, kind netbox.Kind, q netbox.Query, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(http.MethodGet, kind, 0); err != nil {
		return err
	}
	return fromValue(f.list(kind, q), out)
}

func (f *Fake) Get(ctx context.Context, kind netbox.Kind, id int, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(http.MethodGet, kind, id); err != nil {
		return err
	}
	m, ok := f.store(kind)[id]
	if !ok {
		return notFound(http.MethodGet, kind, id)
	}
	return fromValue(f.expand(m), out)
}

func (f *Fake) Create(ctx context.Context, kind netbox.Kind, body any, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := toMap(body)
	if err != nil {
		return err
	}
	if err := f.failure(http.MethodPost, kind, 0); err != nil {
		return err
	}
	id := f.allocate()
	m["id"] = float64(id)
	f.store(kind)[id] = m
	f.writes = append(f.writes, Write{Method: http.MethodPost, Kind: kind, ID: id, Body: clone(m)})
	if out == nil {
		return nil
	}
	return fromValue(f.expand(m), out)
}

func (f *Fake) Update(ctx context.Context, kind netbox.Kind, id int, patch any, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := toMap(patch)
	if err != nil {
		return err
	}
	if err := f.failure(http.MethodPatch, kind, id); err != nil {
		return err
	}
	m, ok := f.store(kind)[id]
	if !ok {
		return notFound(http.MethodPatch, kind, id)
	}
	for k, v := range p {
		m[k] = v
	}
	f.writes = append(f.writes, Write{Method: http.MethodPatch, Kind: kind, ID: id, Body: p})
	if out == nil {
		return nil
	}
	return fromValue(f.expand(m), out)
}

func (f *Fake) Delete(ctx context.Context, kind netbox.Kind, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure(http.MethodDelete, kind, id); err != nil {
		return err
	}
	if _, ok := f.store(kind)[id]; !ok {
		return notFound(http.MethodDelete, kind, id)
	}
	delete(f.store(kind), id)
	f.writes = append(f.writes, Write{Method: http.MethodDelete, Kind: kind, ID: id})
	return nil
}

func (f *Fake) allocate() int {
	id := f.nextID
	f.nextID++
	return id
}

func (f *Fake) store(kind netbox.Kind) map[int]map[string]any {
	s, ok := f.objects[kind]
	if !ok {
		s = map[int]map[string]any{}
		f.objects[kind] = s
	}
	return s
}

func (f *Fake) failure(method string, kind netbox.Kind, id int) error {
	for _, fl := range f.failures {
		if fl.method == method && fl.kind == kind && (fl.id == 0 || fl.id == id) {
			return fl.err
		}
	}
	return nil
}

func (f *Fake) list(kind netbox.Kind, q netbox.Query) []map[string]any {
	ids := make([]int, 0, len(f.store(kind)))
	for id := range f.store(kind) {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := []map[string]any{}
	for _, id := range ids {
		obj := f.expand(f.store(kind)[id])
		if matches(obj, q) {
			out = append(out, obj)
		}
	}
	return out
}

// expand renders a stored object the way NetBox returns it.
func (f *Fake) expand(m map[string]any) map[string]any {
	out := clone(m)
	for field, kind := range refFields {
		id, isNumber := out[field].(float64)
		if !isNumber {
			continue
		}
		ref := map[string]any{"id": id}
		if target, ok := f.store(kind)[int(id)]; ok {
			for _, attr := range []string{"name", "slug", "address"} {
				if v, ok := target[attr]; ok {
					ref[attr] = v
				}
			}
		}
		out[field] = ref
	}
	if status, ok := out["status"].(string); ok && status != "" {
		out["status"] = map[string]any{"value": status, "label": strings.ToUpper(status[:1]) + status[1:]}
	}
	if tags, ok := out["tags"].([]any); ok {
		expanded := make([]any, 0, len(tags))
		for _, t := range tags {
			id, isNumber := t.(float64)
			if !isNumber {
				expanded = append(expanded, t)
				continue
			}
			ref := map[string]any{"id": id}
			if tag, ok := f.store(netbox.KindTag)[int(id)]; ok {
				ref["name"], ref["slug"] = tag["name"], tag["slug"]
			}
			expanded = append(expanded, ref)
		}
		out["tags"] = expanded
	}
	return out
}

func matches(obj map[string]any, q netbox.Query) bool {
	for key, want := range q {
		switch {
		case key == "limit" || key == "offset":
		case key == "tag":
			if !hasTagSlug(obj["tags"], want) {
				return false
			}
		case key == "address":
			if baseAddress(fmt.Sprint(obj["address"])) != baseAddress(want) {
				return false
			}
		case strings.HasSuffix(key, "_id") && obj[key] == nil:
			if fmt.Sprint(intValue(obj[strings.TrimSuffix(key, "_id")])) != want {
				return false
			}
		default:
			if scalar(obj[key]) != want {
				return false
			}
		}
	}
	return true
}

func hasTagSlug(tags any, slug string) bool {
	list, _ := tags.([]any)
	for _, t := range list {
		if m, ok := t.(map[string]any); ok && m["slug"] == slug {
			return true
		}
	}
	return false
}

func baseAddress(address string) string {
	base, _, _ := strings.Cut(address, "/")
	return base
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case map[string]any:
		if value, ok := t["value"]; ok {
			return fmt.Sprint(value)
		}
		return fmt.Sprint(intValue(t))
	case float64:
		return fmt.Sprint(int(t))
	default:
		return fmt.Sprint(t)
	}
}

// intValue reads an id from a number or a nested {"id": n} object.
func intValue(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case map[string]any:
		return intValue(t["id"])
	default:
		return 0
	}
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	m := map[string]any{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromValue(v any, out any) error {
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func notFound(method string, kind netbox.Kind, id int) error {
	return &netbox.APIError{
		StatusCode: http.StatusNotFound,
		Method:     method,
		Path:       fmt.Sprintf("/api/%s/%d/", kind, id),
		Body:       `{"detail":"Not found."}`,
	}
}
