package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// DriveArchive uploads finalized session audio to Google Drive and returns
// a shareable URL as the archive reference.
type DriveArchive struct {
	service    *drive.Service
	folderName string
	folderID   string
}

// NewDriveArchive builds a Drive client from a credentials file and a
// previously saved token. Unlike an interactive tool, a server cannot
// prompt for authorization: a missing or expired token is an error.
func NewDriveArchive(credentialsFile, tokenFile, folderName string) (*DriveArchive, error) {
	ctx := context.Background()

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file: %v", err)
	}

	config, err := google.ConfigFromJSON(b, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse credentials: %v", err)
	}

	client, err := clientFromToken(config, tokenFile)
	if err != nil {
		return nil, err
	}

	srv, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create Drive service: %v", err)
	}

	da := &DriveArchive{
		service:    srv,
		folderName: folderName,
	}
	if err := da.ensureFolder(); err != nil {
		return nil, err
	}
	return da, nil
}

func clientFromToken(config *oauth2.Config, tokenFile string) (*http.Client, error) {
	f, err := os.Open(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to open token file (run the authorization flow first): %v", err)
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("unable to decode token file: %v", err)
	}
	return config.Client(context.Background(), tok), nil
}

// ensureFolder finds or creates the root archive folder.
func (da *DriveArchive) ensureFolder() error {
	query := fmt.Sprintf("name='%s' and mimeType='application/vnd.google-apps.folder' and trashed=false",
		da.folderName)

	r, err := da.service.Files.List().Q(query).Spaces("drive").Fields("files(id, name)").Do()
	if err != nil {
		return fmt.Errorf("unable to search for folder: %v", err)
	}

	if len(r.Files) > 0 {
		da.folderID = r.Files[0].Id
		return nil
	}

	folder := &drive.File{
		Name:     da.folderName,
		MimeType: "application/vnd.google-apps.folder",
	}

	file, err := da.service.Files.Create(folder).Fields("id").Do()
	if err != nil {
		return fmt.Errorf("unable to create folder: %v", err)
	}
	da.folderID = file.Id
	return nil
}

// UploadArchive uploads one session's compressed audio spool into a dated
// folder and returns the file URL.
func (da *DriveArchive) UploadArchive(ctx context.Context, sessionID, spoolPath string) (string, error) {
	f, err := os.Open(spoolPath)
	if err != nil {
		return "", fmt.Errorf("unable to open archive spool: %v", err)
	}
	defer f.Close()

	folderID, err := da.ensureDateFolder(time.Now())
	if err != nil {
		return "", err
	}

	archive := &drive.File{
		Name:    fmt.Sprintf("%s.pcm.gz", sessionID),
		Parents: []string{folderID},
	}

	created, err := da.service.Files.Create(archive).Media(f).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to upload audio archive: %v", err)
	}

	return fmt.Sprintf("https://drive.google.com/file/d/%s/view", created.Id), nil
}

// ensureDateFolder creates nested year/month/day folders.
func (da *DriveArchive) ensureDateFolder(t time.Time) (string, error) {
	yearID, err := da.findOrCreateFolder(fmt.Sprintf("%d", t.Year()), da.folderID)
	if err != nil {
		return "", err
	}

	monthID, err := da.findOrCreateFolder(fmt.Sprintf("%02d", t.Month()), yearID)
	if err != nil {
		return "", err
	}

	return da.findOrCreateFolder(fmt.Sprintf("%02d", t.Day()), monthID)
}

// findOrCreateFolder finds or creates a folder under the given parent.
func (da *DriveArchive) findOrCreateFolder(name, parentID string) (string, error) {
	query := fmt.Sprintf("name='%s' and '%s' in parents and mimeType='application/vnd.google-apps.folder' and trashed=false",
		name, parentID)

	r, err := da.service.Files.List().Q(query).Spaces("drive").Fields("files(id)").Do()
	if err != nil {
		return "", err
	}

	if len(r.Files) > 0 {
		return r.Files[0].Id, nil
	}

	folder := &drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.folder",
		Parents:  []string{parentID},
	}

	file, err := da.service.Files.Create(folder).Fields("id").Do()
	if err != nil {
		return "", err
	}
	return file.Id, nil
}
