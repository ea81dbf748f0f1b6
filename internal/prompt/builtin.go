package prompt

// builtinPrompts returns the compiled-in defaults. Files in the prompt
// directory override these by id.
func builtinPrompts() map[string]Prompt {
	out := make(map[string]Prompt, len(builtins))
	for _, p := range builtins {
		out[p.ID] = p
	}
	return out
}

var builtins = []Prompt{
	{
		ID:        IDQueryOptimization,
		Version:   "1.2",
		ModelHint: "text",
		Template: `You plan Google Maps searches for a B2B prospecting engine.

Ideal customer profile:
- Industry: {{industry}}
- Target description: {{target}}
- Location: {{location}}
- Search radius: {{radius_km}} km
- Exclusions: {{exclusions}}
- Additional criteria: {{additional_criteria}}
- Desired result count: {{count}}

Queries already executed for this project (do not repeat any of them):
{{previous_queries}}

Respond with JSON only:
{
  "candidates": [
    {"query": "string typed into the Maps search box", "location": "optional city/region override", "score": 0.0}
  ],
  "strategy": "one sentence on how these queries cover the profile"
}

Rules:
- Produce 3 to 5 candidates, each phrased the way a person searches Maps.
- Vary the phrasing: category names, service terms, "near" forms.
- score is your 0..1 estimate of how well that single query surfaces the target.
- Never include excluded business types in a query.`,
	},
	{
		ID:        IDWebsiteExtraction,
		Version:   "1.1",
		ModelHint: "vision",
		Template: `You are reading a screenshot of the website for "{{company_name}}" ({{website}}).

Extract only information visible in the image. Respond with JSON only:
{
  "email": "contact email or null",
  "phone": "contact phone or null",
  "description": "one or two sentences describing what the business does, or null",
  "services": ["service names offered"],
  "social_profiles": {"platform": "profile url"},
  "field_confidence": {
    "email": 0.0,
    "phone": 0.0,
    "description": 0.0,
    "services": 0.0,
    "social_profiles": 0.0
  }
}

Rules:
- Platforms are one of: instagram, facebook, linkedin, twitter, youtube, tiktok.
- Confidence is 0..1 per field. Use 0 when the field is absent from the image.
- Never guess an email or phone that is not visible. Null beats a guess.`,
	},
	{
		ID:        IDRelevanceScoring,
		Version:   "1.3",
		ModelHint: "text",
		Template: `Score how well a discovered business matches an ideal customer profile.

Profile:
- Industry: {{industry}}
- Target description: {{target}}
- Location: {{location}}
- Exclusions: {{exclusions}}
- Additional criteria: {{additional_criteria}}

Business:
{{company_profile}}

Respond with JSON only:
{
  "score": 0,
  "breakdown": {
    "industry_match": 0,
    "location_match": 0,
    "quality": 0,
    "online_presence": 0,
    "data_completeness": 0
  },
  "reasoning": "two or three sentences",
  "is_relevant": false
}

Scoring caps (integers):
- industry_match: 0..40. How closely the business's actual trade matches the profile industry and target description.
- location_match: 0..20. Same city scores highest, then region, then country.
- quality: 0..20. Rating and review volume as a proxy for operational quality.
- online_presence: 0..10. Working website and active social profiles.
- data_completeness: 0..10. Email, phone, description, services, address available.

score must equal the sum of the five breakdown values. is_relevant is true only when score >= 60. A business matching an exclusion is never relevant.`,
	},
}
