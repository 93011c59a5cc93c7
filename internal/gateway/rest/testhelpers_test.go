package rest

import "chatsync/internal/models"

func userProfile(id string) models.Profile {
	return models.Profile{ID: id, Username: "user-" + id}
}
