package assembler

import (
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// encodings caches loaded BPE tables by model; loading one parses a large
// rank file.
var encodings sync.Map // model -> *tiktoken.Tiktoken

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	if v, ok := encodings.Load(model); ok {
		return v.(*tiktoken.Tiktoken), nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, err
	}
	v, _ := encodings.LoadOrStore(model, enc)
	return v.(*tiktoken.Tiktoken), nil
}

// ModelEstimator counts tokens with the BPE encoding tiktoken assigns to
// model. Unknown models are an error.
func ModelEstimator(model string) (TokenEstimator, error) {
	enc, err := encodingFor(model)
	if err != nil {
		return nil, err
	}
	return func(text string) int { return len(enc.Encode(text, nil, nil)) }, nil
}

// EstimatorFor never fails: models tiktoken does not know (gemini, test
// fakes) are counted with cl100k_base, and without any encoding at all a
// token is four bytes.
func EstimatorFor(model string) TokenEstimator {
	if est, err := ModelEstimator(model); err == nil {
		return est
	}
	if enc, err := tiktoken.GetEncoding(fallbackEncoding); err == nil {
		return func(text string) int { return len(enc.Encode(text, nil, nil)) }
	}
	return func(text string) int { return (len(text) + 3) / 4 }
}
