package inference

import (
	"fmt"
	"strings"
)

// GroundingToken switches the model into grounded mode: output carries
// <|ref|>/<|det|> records with normalized coordinates instead of plain prose.
const GroundingToken = "<|grounding|>"

// imageToken opens every prompt sent to the OCR backend.
const imageToken = "<image>"

// PromptType names a catalog prompt. The values are the wire tokens the OCR
// service accepts in its prompt_type field.
type PromptType string

const (
	// PromptDefault converts the whole document to markdown with coordinates.
	PromptDefault PromptType = "default"
	// PromptOCRSimple extracts text with coordinates, no markdown structure.
	PromptOCRSimple PromptType = "ocr_simple"
	// PromptFreeOCR extracts text without coordinates.
	PromptFreeOCR PromptType = "free_ocr"
	// PromptParseFigure parses charts and figures.
	PromptParseFigure PromptType = "parse_figure"
	// PromptDescribe asks for a prose description of the image.
	PromptDescribe PromptType = "describe"
	// PromptBPMN extracts BPMN diagram elements with coordinates.
	PromptBPMN PromptType = "bpmn"

	// PromptRussianLayout extracts Russian text with coordinates.
	PromptRussianLayout PromptType = "russian_layout"
	// PromptRussianBPMN extracts Russian BPMN labels with coordinates.
	PromptRussianBPMN PromptType = "russian_bpmn"
	// PromptRussianPreserve extracts Russian text exactly as printed.
	PromptRussianPreserve PromptType = "russian_preserve"
	// PromptRussianFull combines layout and preservation instructions.
	PromptRussianFull PromptType = "russian_full"
	// PromptRussianSimple is the short grounded Russian prompt.
	PromptRussianSimple PromptType = "russian_simple"
)

// prompts maps each type to the literal text the model expects.
var prompts = map[PromptType]string{
	PromptDefault:     imageToken + "\n" + GroundingToken + "Convert the document to markdown.",
	PromptOCRSimple:   imageToken + "\n" + GroundingToken + "OCR this image.",
	PromptFreeOCR:     imageToken + "\nFree OCR.",
	PromptParseFigure: imageToken + "\nParse the figure.",
	PromptDescribe:    imageToken + "\nDescribe this image in detail.",
	PromptBPMN:        imageToken + "\n" + GroundingToken + "Extract all BPMN elements: tasks, events, gateways, flows. Output each element with its type, label and position.",

	PromptRussianLayout:   imageToken + "\n" + GroundingToken + "Language: Russian. Extract all text with coordinates.",
	PromptRussianBPMN:     imageToken + "\n" + GroundingToken + "Language: Russian. This is a BPMN diagram. Extract every element label exactly as printed, with coordinates.",
	PromptRussianPreserve: imageToken + "\nLanguage: Russian. Transcribe the text exactly as printed, preserving Cyrillic characters.",
	PromptRussianFull:     imageToken + "\n" + GroundingToken + "Language: Russian. Extract all text with coordinates. Transcribe exactly as printed, preserving Cyrillic characters.",
	PromptRussianSimple:   imageToken + "\n" + GroundingToken + "Russian. OCR with coordinates.",
}

// Text returns the prompt's literal text.
func (p PromptType) Text() (string, error) {
	text, ok := prompts[p]
	if !ok {
		return "", fmt.Errorf("unknown prompt type %q", p)
	}
	return text, nil
}

// Grounded reports whether the prompt puts the model in grounded mode, i.e.
// whether its output carries coordinate records.
func (p PromptType) Grounded() bool {
	text, ok := prompts[p]
	return ok && strings.Contains(text, GroundingToken)
}

// ChatText returns the prompt stripped of the model-internal image token, the
// form chat-completion backends expect. The image travels separately there.
func (p PromptType) ChatText() (string, error) {
	text, err := p.Text()
	if err != nil {
		return "", err
	}
	return strings.TrimLeft(strings.TrimPrefix(text, imageToken), "\n"), nil
}

// Validate checks that the prompt type exists in the catalog.
func (p PromptType) Validate() error {
	if _, ok := prompts[p]; !ok {
		return fmt.Errorf("unknown prompt type %q", p)
	}
	return nil
}

// PromptTypes lists the catalog in a stable order.
func PromptTypes() []PromptType {
	return []PromptType{
		PromptDefault,
		PromptOCRSimple,
		PromptFreeOCR,
		PromptParseFigure,
		PromptDescribe,
		PromptBPMN,
		PromptRussianLayout,
		PromptRussianBPMN,
		PromptRussianPreserve,
		PromptRussianFull,
		PromptRussianSimple,
	}
}
