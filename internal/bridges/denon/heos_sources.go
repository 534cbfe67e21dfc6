package denon

import "strings"

// heosSIDLocal is the source id of local media, which also carries AirPlay.
const heosSIDLocal = 1024

// airplayAlbumID is the album id HEOS reports for AirPlay streams on heosSIDLocal.
const airplayAlbumID = "1"

// airplayInput is the identifier reported for AirPlay streams.
var airplayInput = InputSource{ID: "airplay", Name: "AirPlay"}

// heosSources is the HEOS music source catalog keyed by source id.
var heosSources = map[int]InputSource{
	1:    {"pandora", "Pandora"},
	2:    {"rhapsody", "Rhapsody"},
	3:    {"tunein", "TuneIn"},
	4:    {"spotify", "Spotify"},
	5:    {"deezer", "Deezer"},
	6:    {"napster", "Napster"},
	7:    {"iheartradio", "iHeartRadio"},
	8:    {"siriusxm", "SiriusXM"},
	9:    {"soundcloud", "SoundCloud"},
	10:   {"tidal", "Tidal"},
	12:   {"rdio", "Rdio"},
	13:   {"amazonmusic", "Amazon Music"},
	15:   {"moodmix", "Mood Mix"},
	16:   {"juke", "Juke"},
	18:   {"qqmusic", "QQ Music"},
	30:   {"qobuz", "qobuz"},
	1024: {"local", "Local Network"},
	1025: {"heos_playlists", "HEOS Playlists"},
	1026: {"heos_history", "HEOS History"},
	1027: {"heos_auxinputs", "AUX Inputs"},
	1028: {"heos_favorites", "HEOS Favorites"},
}

// heosSourceOrder lists heosSources keys in ascending order.
var heosSourceOrder = []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 12, 13, 15, 16, 18, 30, 1024, 1025, 1026, 1027, 1028}

// heosInputs are the physical inputs selectable with browse/play_input.
var heosInputs = []InputSource{
	{"aux_in_1", "AUX In 1"},
	{"aux_in_2", "AUX In 2"},
	{"aux_in_3", "AUX In 3"},
	{"aux_in_4", "AUX In 4"},
	{"aux_single", "AUX Single"},
	{"aux1", "AUX 1"},
	{"aux2", "AUX 2"},
	{"aux3", "AUX 3"},
	{"aux4", "AUX 4"},
	{"aux5", "AUX 5"},
	{"aux6", "AUX 6"},
	{"aux7", "AUX 7"},
	{"aux_8k", "AUX 8K"},
	{"line_in_1", "Line In 1"},
	{"line_in_2", "Line In 2"},
	{"line_in_3", "Line In 3"},
	{"line_in_4", "Line In 4"},
	{"coax_in_1", "Coax In 1"},
	{"coax_in_2", "Coax In 2"},
	{"optical_in_1", "Optical In 1"},
	{"optical_in_2", "Optical In 2"},
	{"optical_in_3", "Optical In 3"},
	{"hdmi_in_1", "HDMI In 1"},
	{"hdmi_in_2", "HDMI In 2"},
	{"hdmi_in_3", "HDMI In 3"},
	{"hdmi_in_4", "HDMI In 4"},
	{"hdmi_arc_1", "HDMI ARC 1"},
	{"cable_sat", "Cable/SAT"},
	{"dvd", "DVD"},
	{"bluray", "Blu-ray"},
	{"game", "Game"},
	{"game2", "Game 2"},
	{"mediaplayer", "Media Player"},
	{"cd", "CD"},
	{"tuner", "Tuner"},
	{"hdradio", "HD Radio"},
	{"tvaudio", "TV Audio"},
	{"phono", "Phono"},
	{"usbdac", "USB DAC"},
	{"analog_in_1", "Analog In 1"},
	{"analog_in_2", "Analog In 2"},
	{"recorder_in_1", "Recorder In 1"},
	{"tv", "TV"},
}

// heosDefaultInputs returns the catalog sources, the physical inputs and
// AirPlay, in that order.
func heosDefaultInputs() []InputSource {
	out := make([]InputSource, 0, len(heosSourceOrder)+len(heosInputs)+1)
	for _, sid := range heosSourceOrder {
		out = append(out, heosSources[sid])
	}
	out = append(out, heosInputs...)
	return append(out, airplayInput)
}

// Media id prefixes reported by get_now_playing_media.
const (
	midInputsPrefix = "inputs/"
	midCDPrefix     = "cd/"
)

// resolveInputID maps a now-playing source id, media id and album id to an
// input identifier.
//
// A media id naming a physical input wins. Otherwise the source catalog is
// consulted, with AirPlay reported on local media when the album id is "1".
// Unknown source ids are returned as their decimal string.
func resolveInputID(sid int, sidText, mid, albumID string) string {
	switch {
	case strings.HasPrefix(mid, midInputsPrefix):
		return strings.TrimPrefix(mid, midInputsPrefix)
	case strings.HasPrefix(mid, midCDPrefix):
		return "cd"
	}

	src, ok := heosSources[sid]
	if !ok {
		return sidText
	}
	if sid == heosSIDLocal && albumID == airplayAlbumID {
		return airplayInput.ID
	}
	return src.ID
}
