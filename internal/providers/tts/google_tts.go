package tts

import (
	"context"
	"fmt"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	texttospeechpb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"
)

// GoogleTTS is the secondary synthesis provider behind ElevenLabs in the
// fallback chain.
type GoogleTTS struct {
	c        *texttospeech.Client
	language string
}

func NewGoogleTTS(ctx context.Context, language string, opts ...option.ClientOption) (*GoogleTTS, error) {
	c, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if language == "" {
		language = "ar-XA"
	}
	return &GoogleTTS{c: c, language: language}, nil
}

func (g *GoogleTTS) Name() string { return "googletts" }

func (g *GoogleTTS) Available() bool { return g.c != nil }

func (g *GoogleTTS) Close() error { return g.c.Close() }

func (g *GoogleTTS) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	resp, err := g.c.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: g.language,
			SsmlGender:   texttospeechpb.SsmlVoiceGender_FEMALE,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding: texttospeechpb.AudioEncoding_MP3,
		},
	})
	if err != nil {
		return nil, "", err
	}
	if len(resp.AudioContent) == 0 {
		return nil, "", fmt.Errorf("googletts returned empty audio")
	}
	return resp.AudioContent, "mp3", nil
}
