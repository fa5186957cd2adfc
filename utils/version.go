package utils

// Version of the SDK, sent to the server in the X-Seald-Sdkversion header.
const Version = "0.3.0"
