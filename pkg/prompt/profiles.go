package prompt

import "time"

// Categories are the top-level classifications a model must choose from.
var Categories = []string{"People", "Place", "Thing"}

// Subcategories are the detailed subjects a model must choose from.
var Subcategories = []string{
	"Portrait", "Group-Shot", "Couple", "Family", "Children", "Baby", "Senior-Citizen",
	"Pet", "Wildlife", "Bird", "Automotive", "Architecture", "Interior", "Product",
	"Food", "Flowers", "Macro", "Landscape", "Urban", "Beach", "Forest", "Event",
}

// Tag vocabularies offered to the model.
var (
	SubjectTags = []string{
		"Portrait", "Group-Shot", "Couple", "Family", "Children", "Baby", "Senior-Citizen",
		"Pet", "Wildlife", "Bird", "Automotive", "Architecture", "Interior", "Product",
		"Food", "Flowers", "Macro",
	}
	LightingTags = []string{
		"Golden-Hour", "Blue-Hour", "Overcast", "Direct-Sun", "Window-Light",
		"Studio-Strobe", "Speedlight", "Natural-Light", "Low-Light", "Backlit",
		"Side-Lit", "Dramatic-Lighting",
	}
	StyleTags = []string{
		"Black-White", "Color-Graded", "High-Contrast", "Soft-Focus", "Sharp-Detail",
		"Shallow-DOF", "Wide-Angle", "Telephoto", "Candid", "Posed", "Action-Shot", "Still-Life",
	}
	EventTags = []string{
		"Wedding", "Engagement", "Corporate", "Real-Estate", "Landscape",
		"Urban", "Beach", "Forest", "Indoor", "Outdoor", "Studio", "Event",
		"Concert", "Sports",
	}
	MoodTags = []string{
		"Bright-Cheerful", "Moody-Dark", "Romantic", "Professional", "Casual",
		"Energetic", "Peaceful", "Dramatic",
	}
)

// Perspective is a named framing for the analysis.
type Perspective struct {
	Key      string
	Name     string
	Persona  string
	Criteria []string
}

// Perspectives is the fixed set of supported perspectives.
var Perspectives = map[string]Perspective{
	"professional_art_critic": {
		Key:     "professional_art_critic",
		Name:    "Professional Art Critic",
		Persona: "You are a professional art critic and gallery curator with 25 years of experience, evaluating photographs for potential inclusion in a fine art exhibition.",
		Criteria: []string{
			"Technical Excellence: Focus, exposure, composition, color/lighting",
			"Artistic Merit: Creativity, emotional impact, visual storytelling",
			"Commercial Appeal: Marketability, broad audience appeal",
			"Uniqueness: What sets this image apart from typical photography",
		},
	},
	"family_archivist": {
		Key:     "family_archivist",
		Name:    "Family Memory Keeper",
		Persona: "You are a professional family photo organizer and memory keeper, helping families preserve their most meaningful moments.",
		Criteria: []string{
			"Emotional Value: Sentimental importance and family connections",
			"Clarity & Quality: Technical aspects that preserve memories well",
			"Historical Significance: Moments that tell the family story",
			"Archival Worth: Long-term value for family heritage",
		},
	},
	"commercial_photographer": {
		Key:     "commercial_photographer",
		Name:    "Commercial Photographer",
		Persona: "You are an experienced commercial photographer and photo editor evaluating images for client delivery and portfolio inclusion.",
		Criteria: []string{
			"Client Deliverability: Professional quality and usability",
			"Technical Standards: Meeting industry quality benchmarks",
			"Market Appeal: Commercial viability and audience attraction",
			"Portfolio Worthy: Represents high professional standards",
		},
	},
	"social_media_curator": {
		Key:     "social_media_curator",
		Name:    "Social Media Expert",
		Persona: "You are a social media content strategist and digital marketing expert, evaluating images for online engagement and viral potential.",
		Criteria: []string{
			"Visual Impact: Immediate attention-grabbing qualities",
			"Engagement Potential: Likely to generate likes, shares, comments",
			"Platform Suitability: Works well across social platforms",
			"Storytelling Power: Conveys clear message or emotion quickly",
		},
	},
	"documentary_journalist": {
		Key:     "documentary_journalist",
		Name:    "Documentary Journalist",
		Persona: "You are an award-winning photojournalist and documentary photographer, evaluating images for their storytelling power and journalistic value.",
		Criteria: []string{
			"Storytelling Strength: Narrative power and emotional truth",
			"Authenticity: Genuine moments without artificial staging",
			"Historical Value: Documents important events or conditions",
			"Journalistic Merit: Newsworthy or socially significant content",
		},
	},
	"travel_blogger": {
		Key:     "travel_blogger",
		Name:    "Travel Content Creator",
		Persona: "You are a successful travel blogger and destination photographer, evaluating images for their ability to inspire wanderlust and showcase locations.",
		Criteria: []string{
			"Destination Appeal: Makes viewers want to visit the location",
			"Cultural Authenticity: Represents place and people genuinely",
			"Visual Wanderlust: Evokes desire to travel and explore",
			"Content Versatility: Useful across multiple travel platforms",
		},
	},
	"street_photographer": {
		Key:     "street_photographer",
		Name:    "Street Photographer",
		Persona: "You are a seasoned street photographer with a keen eye for capturing authentic, spontaneous moments in urban environments.",
		Criteria: []string{
			"Authenticity: Genuine, unposed moments and natural expressions",
			"Composition: Use of leading lines, framing, and urban geometry",
			"Human Connection: Emotional connection with subjects and environment",
			"Decisive Moment: Capturing fleeting, significant instants",
		},
	},
}

// Goal describes what the analysis is for.
type Goal struct {
	Key      string
	Focus    string
	MinTags  int
	MaxTags  int
	Critique bool
	// Timeout is the per-call timeout used when the backend configuration does not set one.
	Timeout time.Duration
}

// Goals is the fixed set of supported goals.
var Goals = map[string]Goal{
	"archive_culling": {
		Key:     "archive_culling",
		Focus:   "This is a fast archival pass. Weigh technical quality (focus, exposure, composition), uniqueness, and the importance of the moment. Keep tags to the essentials.",
		MinTags: 3,
		MaxTags: 5,
		Timeout: 60 * time.Second,
	},
	"gallery_selection": {
		Key:      "gallery_selection",
		Focus:    "This is a selection for exhibition. Weigh composition and visual balance, lighting and mood, color harmony, emotional impact, and technical execution.",
		MinTags:  3,
		MaxTags:  6,
		Critique: true,
		Timeout:  180 * time.Second,
	},
	"catalog_organization": {
		Key:     "catalog_organization",
		Focus:   "This is for cataloging. Tag the main subjects, setting, time of day, lighting conditions, mood, and notable technical aspects so the photo can be found later.",
		MinTags: 5,
		MaxTags: 8,
		Timeout: 120 * time.Second,
	},
}
