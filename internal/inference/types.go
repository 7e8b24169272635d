package inference

import "github.com/ivlev/sherdmark/internal/sherd"

// Prediction is a parsed workflow result set.
type Prediction struct {
	Detections     []sherd.Detection
	Types          sherd.Labels
	Qualifications sherd.Labels
}

// workflowRequest is the body posted to {url}/{workspace}/workflows/{id}.
type workflowRequest struct {
	APIKey   string                `json:"api_key"`
	UseCache bool                  `json:"use_cache"`
	Inputs   map[string]imageInput `json:"inputs"`
}

type imageInput struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type workflowResponse struct {
	Outputs []resultSet `json:"outputs"`
}

// Required keys are pointers so that absence can be told apart from zero.
type resultSet struct {
	DetectionPredictions *struct {
		Predictions *[]detection `json:"predictions"`
	} `json:"detection_predictions"`
	ClassificationPredictions *[]typeClassification `json:"classification_predictions"`
	ModelPredictions          *[]classification     `json:"model_predictions"`
}

type detection struct {
	DetectionID *string  `json:"detection_id"`
	X           *float64 `json:"x"`
	Y           *float64 `json:"y"`
	Width       *float64 `json:"width"`
	Height      *float64 `json:"height"`
	Class       string   `json:"class"`
	Confidence  float64  `json:"confidence"`
}

type typeClassification struct {
	Predictions *classification `json:"predictions"`
}

func (c *classification) label() string {
	if c.Top == nil {
		return sherd.Unknown
	}
	return *c.Top
}

type classification struct {
	ParentID *string `json:"parent_id"`
	Top      *string `json:"top"`
}
