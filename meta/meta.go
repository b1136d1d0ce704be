package meta

import (
	iface "CustomDetServe/interface"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"strings"
)

const (
	ShapeRectangle     = "rectangle"
	ValueTypeAnyNumber = "any_number"
	ConfidenceTagName  = "confidence"
)

type ObjClass struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
	Shape string `json:"shape"`
	Color string `json:"color"`
}

type TagMeta struct {
	Name      string `json:"name"`
	ValueType string `json:"value_type"`
	Color     string `json:"color"`
}

// ModelMeta is the class catalog and tag schema of the served model. It is
// built once at startup and never mutated afterwards.
type ModelMeta struct {
	classes    []ObjClass
	byName     map[string]int
	confidence TagMeta
}

// New assigns every class a color not used by any earlier class and builds
// the catalog together with the confidence tag definition.
func New(names []string, rng *rand.Rand) (*ModelMeta, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: model has no classes", iface.ErrConfiguration)
	}
	palette := NewPalette(rng)
	m := &ModelMeta{
		classes: make([]ObjClass, 0, len(names)),
		byName:  make(map[string]int, len(names)),
	}
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: class #%d has an empty name", iface.ErrConfiguration, i)
		}
		if _, dup := m.byName[name]; dup {
			return nil, fmt.Errorf("%w: duplicate class %q", iface.ErrConfiguration, name)
		}
		m.byName[name] = i
		m.classes = append(m.classes, ObjClass{
			ID:    i,
			Title: name,
			Shape: ShapeRectangle,
			Color: palette.Next(),
		})
	}
	m.confidence = TagMeta{
		Name:      ConfidenceTagName,
		ValueType: ValueTypeAnyNumber,
		Color:     palette.Next(),
	}
	return m, nil
}

// Classes returns a copy of the catalog in id order.
func (m *ModelMeta) Classes() []ObjClass {
	out := make([]ObjClass, len(m.classes))
	copy(out, m.classes)
	return out
}

func (m *ModelMeta) ClassIDs() []int {
	ids := make([]int, len(m.classes))
	for i := range m.classes {
		ids[i] = m.classes[i].ID
	}
	return ids
}

func (m *ModelMeta) ClassByID(id int) (ObjClass, bool) {
	if id < 0 || id >= len(m.classes) {
		return ObjClass{}, false
	}
	return m.classes[id], true
}

func (m *ModelMeta) ClassByName(name string) (ObjClass, bool) {
	id, ok := m.byName[name]
	if !ok {
		return ObjClass{}, false
	}
	return m.classes[id], true
}

// Resolve maps a predicted class reference onto the catalog. Classes the
// catalog does not know are rejected rather than created on the fly.
func (m *ModelMeta) Resolve(ref iface.ClassRef) (ObjClass, error) {
	var (
		cls ObjClass
		ok  bool
	)
	if ref.ByName() {
		cls, ok = m.ClassByName(ref.Name)
	} else {
		cls, ok = m.ClassByID(ref.ID)
	}
	if !ok {
		return ObjClass{}, fmt.Errorf("%w: class %s is not in the model classes", iface.ErrSchemaMismatch, ref)
	}
	return cls, nil
}

func (m *ModelMeta) ConfidenceTag() TagMeta {
	return m.confidence
}

func (m *ModelMeta) TagMetas() []TagMeta {
	return []TagMeta{m.confidence}
}

func (m *ModelMeta) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Classes     []ObjClass `json:"classes"`
		Tags        []TagMeta  `json:"tags"`
		ProjectType string     `json:"projectType"`
	}{
		Classes:     m.classes,
		Tags:        m.TagMetas(),
		ProjectType: "images",
	})
}

// ReadNames loads one class name per line, skipping blank lines.
func ReadNames(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, l := range strings.Split(string(b), "\n") {
		// names files written on Windows carry CRLF
		l = strings.TrimSpace(strings.TrimRight(l, "\r"))
		if l != "" {
			names = append(names, l)
		}
	}
	return names, nil
}
