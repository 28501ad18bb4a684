package redesign

const (
	DefaultStyle    = "modern"
	DefaultRoomType = "living_room"
	DefaultModel    = "flux-schnell"
	DefaultSteps    = 4
	// MaxSteps is the ceiling the schnell model accepts.
	MaxSteps = 4
)

// Option is one selectable value shown on the upload form.
type Option struct {
	Value       string `json:"value"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Styles are the design styles a user can request.
var Styles = []Option{
	{Value: "modern", Label: "Modern", Description: "Clean lines, minimalist aesthetic"},
	{Value: "minimalist", Label: "Minimalist", Description: "Less is more, simple elegance"},
	{Value: "industrial", Label: "Industrial", Description: "Raw materials, urban edge"},
	{Value: "scandinavian", Label: "Scandinavian", Description: "Bright, cozy, functional"},
	{Value: "bohemian", Label: "Bohemian", Description: "Eclectic, colorful, artistic"},
	{Value: "luxury", Label: "Luxury", Description: "Opulent, sophisticated, high-end"},
	{Value: "traditional", Label: "Traditional", Description: "Classic, timeless elegance"},
	{Value: "contemporary", Label: "Contemporary", Description: "Current trends, stylish"},
}

// RoomTypes are the rooms a user can describe.
var RoomTypes = []Option{
	{Value: "living_room", Label: "Living Room"},
	{Value: "bedroom", Label: "Bedroom"},
	{Value: "kitchen", Label: "Kitchen"},
	{Value: "bathroom", Label: "Bathroom"},
	{Value: "dining_room", Label: "Dining Room"},
	{Value: "office", Label: "Home Office"},
	{Value: "entryway", Label: "Entryway"},
	{Value: "outdoor", Label: "Outdoor/Patio"},
}

// KnownStyle reports whether v is in Styles.
func KnownStyle(v string) bool { return hasOption(Styles, v) }

// KnownRoomType reports whether v is in RoomTypes.
func KnownRoomType(v string) bool { return hasOption(RoomTypes, v) }

func hasOption(opts []Option, v string) bool {
	for _, o := range opts {
		if o.Value == v {
			return true
		}
	}
	return false
}
