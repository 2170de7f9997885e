// Package mediaupload uploads media files to object storage with short-lived
// credentials and registers them with a media catalog.
//
// Each submitted file becomes a session that acquires a temporary credential
// from the backend, plans its transfer, moves the bytes (as a single PUT or a
// multipart upload with bounded part concurrency) and finally creates or
// updates the catalog record. A credential rejected mid-transfer is refreshed
// and only the parts that were not yet stored are sent again.
//
// Key features:
//   - One credential fetch shared by concurrent sessions, refreshed before expiry
//   - Bounded concurrency for files and for the parts of each file
//   - Transient storage failures retried with exponential backoff
//   - Monotonic progress with a smoothed transfer rate
//   - Prompt cancellation that discards incomplete multipart uploads
//   - Typed errors usable with errors.Is and errors.KindOf
//
// Example usage:
//
//	up, err := mediaupload.New("https://media.example.com/api",
//	    mediaupload.WithSessionCookie(cookie),
//	)
//	if err != nil {
//	    return err
//	}
//	defer up.Close()
//
//	h, err := up.Submit(ctx, "/videos/clip.mp4", uploadtypes.MetadataHints{Title: "Clip"})
//	if err != nil {
//	    return err
//	}
//	for ev := range h.Progress() {
//	    fmt.Printf("%s %.0f%%\n", ev.Phase, ev.Percent())
//	}
//	res, err := h.Wait(ctx)
package mediaupload
