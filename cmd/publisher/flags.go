package main

// cli is the kong-annotated flag/argument set for the publisher binary:
// destination URL, stream key, TLS trust, audio source toggles, and the
// local persisted-flags path.
type cli struct {
	URL string `help:"RTMP/RTMPS ingest URL, e.g. rtmp://host/app or rtmps://host/app."`
	Key string `help:"Stream key."`

	CABundle string `help:"Path to a PEM CA bundle used instead of the system trust pool for rtmps:// targets." name:"ca-bundle"`

	Width  int `help:"Capture width in pixels." default:"1920"`
	Height int `help:"Capture height in pixels." default:"1080"`
	FPS    int `help:"Capture frame rate." default:"30"`

	NoMic    bool `help:"Start with the microphone source muted." name:"no-mic"`
	NoSystem bool `help:"Start with system-audio capture muted." name:"no-system-audio"`

	FlagsPath string `help:"Path to the persisted manual-stop/was-streaming flags file. Defaults to a per-user config directory." name:"flags-path"`

	LogLevel string `help:"Log level: debug|info|warn|error." name:"log-level" default:"info"`

	Version bool `help:"Print version and exit."`
}
