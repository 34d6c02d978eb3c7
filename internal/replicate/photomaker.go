package replicate

import "github.com/MimeLyc/imagen-studio/internal/prediction"

const (
	DefaultNumSteps           = 50
	DefaultStyleName          = "Photographic (Default)"
	DefaultNegativePrompt     = "nsfw, lowres, bad anatomy, bad hands, text, error, missing fingers, extra digit, fewer digits, cropped, worst quality, low quality, normal quality, jpeg artifacts, signature, watermark, username, blurry"
	DefaultNumOutputs         = 1
	DefaultStyleStrengthRatio = 20
	DefaultGuidanceScale      = 5
)

// Input is the PhotoMaker input schema. Nil fields are omitted from the payload.
type Input struct {
	InputImage string `json:"input_image"`
	Prompt     string `json:"prompt"`
	NumSteps   int    `json:"num_steps"`

	StyleName          *string  `json:"style_name,omitempty"`
	NegativePrompt     *string  `json:"negative_prompt,omitempty"`
	NumOutputs         *int     `json:"num_outputs,omitempty"`
	StyleStrengthRatio *float64 `json:"style_strength_ratio,omitempty"`
	GuidanceScale      *float64 `json:"guidance_scale,omitempty"`
	Seed               *int     `json:"seed,omitempty"`

	InputImage2 *string `json:"input_image2,omitempty"`
	InputImage3 *string `json:"input_image3,omitempty"`
	InputImage4 *string `json:"input_image4,omitempty"`

	DisableSafetyChecker *bool `json:"disable_safety_checker,omitempty"`
}

// NewInput maps a job request onto the PhotoMaker schema, filling defaults
// for unset generation parameters.
func NewInput(req prediction.Request) Input {
	in := Input{
		InputImage:           req.InputImage,
		Prompt:               req.Prompt,
		NumSteps:             orInt(req.NumSteps, DefaultNumSteps),
		StyleName:            ptr(orString(req.StyleName, DefaultStyleName)),
		NegativePrompt:       ptr(orString(req.NegativePrompt, DefaultNegativePrompt)),
		NumOutputs:           ptr(orInt(req.NumOutputs, DefaultNumOutputs)),
		StyleStrengthRatio:   ptr(orFloat(req.StyleStrengthRatio, DefaultStyleStrengthRatio)),
		GuidanceScale:        ptr(orFloat(req.GuidanceScale, DefaultGuidanceScale)),
		Seed:                 req.Seed,
		DisableSafetyChecker: ptr(req.DisableSafetyChecker),
	}

	extras := []**string{&in.InputImage2, &in.InputImage3, &in.InputImage4}
	for i, img := range req.ExtraImages {
		if i >= len(extras) {
			break
		}
		*extras[i] = ptr(img)
	}
	return in
}

func ptr[T any](v T) *T {
	return &v
}

func orString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
