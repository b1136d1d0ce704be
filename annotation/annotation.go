package annotation

import (
	"CustomDetServe/meta"
	"encoding/json"
	"fmt"
)

// Rectangle is a label region, stored as top, left, bottom, right.
type Rectangle struct {
	Top    int
	Left   int
	Bottom int
	Right  int
}

func NewRectangle(top, left, bottom, right int) Rectangle {
	return Rectangle{Top: top, Left: left, Bottom: bottom, Right: right}
}

type Tag struct {
	Meta  meta.TagMeta
	Value float64
}

type Label struct {
	Geometry Rectangle
	Class    meta.ObjClass
	Tags     []Tag
}

// Confidence returns the value of the confidence tag, if the label has one.
func (l Label) Confidence() (float64, bool) {
	for _, t := range l.Tags {
		if t.Meta.Name == meta.ConfidenceTagName {
			return t.Value, true
		}
	}
	return 0, false
}

type Size struct {
	Height int `json:"height"`
	Width  int `json:"width"`
}

type Annotation struct {
	Size   Size
	Labels []Label
}

func New(height, width int, labels []Label) *Annotation {
	if labels == nil {
		labels = []Label{}
	}
	return &Annotation{Size: Size{Height: height, Width: width}, Labels: labels}
}

type tagJSON struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type pointsJSON struct {
	Exterior [][2]int `json:"exterior"`
	Interior [][2]int `json:"interior"`
}

type objectJSON struct {
	ClassTitle   string     `json:"classTitle"`
	Description  string     `json:"description"`
	Tags         []tagJSON  `json:"tags"`
	GeometryType string     `json:"geometryType"`
	Points       pointsJSON `json:"points"`
}

type annotationJSON struct {
	Description string       `json:"description"`
	Size        Size         `json:"size"`
	Tags        []tagJSON    `json:"tags"`
	Objects     []objectJSON `json:"objects"`
}

func (a *Annotation) MarshalJSON() ([]byte, error) {
	out := annotationJSON{
		Size:    a.Size,
		Tags:    []tagJSON{},
		Objects: make([]objectJSON, 0, len(a.Labels)),
	}
	for _, l := range a.Labels {
		obj := objectJSON{
			ClassTitle:   l.Class.Title,
			Tags:         make([]tagJSON, 0, len(l.Tags)),
			GeometryType: meta.ShapeRectangle,
			Points: pointsJSON{
				// exterior points are (x, y): left-top then right-bottom
				Exterior: [][2]int{{l.Geometry.Left, l.Geometry.Top}, {l.Geometry.Right, l.Geometry.Bottom}},
				Interior: [][2]int{},
			},
		}
		for _, t := range l.Tags {
			obj.Tags = append(obj.Tags, tagJSON{Name: t.Meta.Name, Value: t.Value})
		}
		out.Objects = append(out.Objects, obj)
	}
	return json.Marshal(out)
}

func (a *Annotation) UnmarshalJSON(data []byte) error {
	var in annotationJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	labels := make([]Label, 0, len(in.Objects))
	for i, obj := range in.Objects {
		if obj.GeometryType != meta.ShapeRectangle {
			return fmt.Errorf("object %d: unsupported geometry %q", i, obj.GeometryType)
		}
		if len(obj.Points.Exterior) != 2 {
			return fmt.Errorf("object %d: rectangle needs 2 exterior points, got %d", i, len(obj.Points.Exterior))
		}
		lt, rb := obj.Points.Exterior[0], obj.Points.Exterior[1]
		l := Label{
			Geometry: NewRectangle(lt[1], lt[0], rb[1], rb[0]),
			Class:    meta.ObjClass{Title: obj.ClassTitle, Shape: obj.GeometryType},
		}
		for _, t := range obj.Tags {
			l.Tags = append(l.Tags, Tag{Meta: meta.TagMeta{Name: t.Name, ValueType: meta.ValueTypeAnyNumber}, Value: t.Value})
		}
		labels = append(labels, l)
	}
	a.Size = in.Size
	a.Labels = labels
	return nil
}
