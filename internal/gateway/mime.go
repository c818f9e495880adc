package gateway

// mimeTypes maps a file extension (no leading dot, case sensitive) to its
// media type. Ported from the mime_types::mappings table this gateway
// replaces; extension_to_type falls back to application/octet-stream for
// anything not listed here.
var mimeTypes = map[string]string{
	"htm":  "text/html",
	"html": "text/html",
	"txt":  "text/plain",
	"xml":  "text/xml",
	"dtd":  "text/dtd",
	"css":  "text/css",

	"gif":  "image/gif",
	"jpe":  "image/jpeg",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",

	"flv":  "video/flv",
	"rmvb": "video/x-pn-realvideo",
	"mp4":  "video/mp4",
	"3gp":  "video/3gpp",
	"divx": "video/divx",
	"avi":  "video/avi",
	"mkv":  "video/x-matroska",
	"asf":  "video/x-ms-asf",
	"m1a":  "audio/mpeg",
	"m2a":  "audio/mpeg",
	"m1v":  "video/mpeg",
	"m2v":  "video/mpeg",
	"mp2":  "audio/mpeg",
	"mp3":  "audio/mpeg",
	"mpa":  "audio/mpeg",
	"mpg":  "video/mpeg",
	"mpeg": "video/mpeg",
	"mpe":  "video/mpeg",
	"mov":  "video/quicktime",
	"moov": "video/quicktime",
	"oga":  "audio/ogg",
	"ogg":  "application/ogg",
	"ogm":  "application/ogg",
	"ogv":  "video/ogg",
	"ogx":  "application/ogg",
	"opus": "audio/ogg; codecs=opus",
	"spx":  "audio/ogg",
	"wav":  "audio/wav",
	"wma":  "audio/x-ms-wma",
	"wmv":  "video/x-ms-wmv",
	"webm": "video/webm",
}

const defaultMimeType = "application/octet-stream"

// extensionToType returns the registered media type for ext (no leading
// dot), or defaultMimeType if ext is not registered.
func extensionToType(ext string) string {
	if t, ok := mimeTypes[ext]; ok {
		return t
	}
	return defaultMimeType
}
