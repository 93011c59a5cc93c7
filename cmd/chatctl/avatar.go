package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const avatarBucket = "avatars"

func init() {
	rootCmd.AddCommand(avatarCmd)
}

var avatarCmd = &cobra.Command{
	Use:   "avatar <image-file>",
	Short: "Upload a profile picture and set it as your avatar",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		contentType := http.DetectContentType(data)
		if !strings.HasPrefix(contentType, "image/") {
			return fmt.Errorf("%s is not an image (%s)", args[0], contentType)
		}

		e, err := connect(cmd)
		if err != nil {
			return err
		}
		defer e.close()

		ctx := cmd.Context()
		path := fmt.Sprintf("%s/%s%s", e.userID, uuid.NewString(), strings.ToLower(filepath.Ext(args[0])))
		signed, err := e.client.CreateSignedUpload(ctx, avatarBucket, path)
		if err != nil {
			return fmt.Errorf("sign upload: %w", err)
		}
		if err := e.client.Upload(ctx, signed, contentType, data); err != nil {
			return err
		}
		if err := e.repo.UpdateAvatar(ctx, e.userID, signed.PublicURL); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed.PublicURL)
		return nil
	},
}
