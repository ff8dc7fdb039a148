// Package api is the management REST API for the permission store:
// users, groups, memberships, direct and pattern grants, and personal
// access tokens.
//
// # Routes
//
// All routes live under /api/gatekeeper. Most are admin-only; resource
// grant routes are also open to callers holding MANAGE on the resource,
// and token routes are self-service.
//
//	GET    /users                      list users
//	POST   /users                      create a user
//	GET    /users/{username}           get a user (admin or self)
//	DELETE /users/{username}           delete a user
//	PATCH  /users/{username}/admin     set the admin flag
//	GET    /users/{username}/permissions/{kind}  effective grant summary
//
//	GET    /groups                     list groups
//	POST   /groups                     create a group
//	DELETE /groups/{name}              delete a group
//	GET    /groups/{name}/members      list members
//	POST   /groups/{name}/members      add a member
//	DELETE /groups/{name}/members/{username}  remove a member
//
//	GET    /permissions/{kind}/{resource_id}   grants on one resource
//	PUT    /permissions/{kind}/{resource_id}/users/{username}   upsert
//	DELETE /permissions/{kind}/{resource_id}/users/{username}   revoke
//	PUT    /permissions/{kind}/{resource_id}/groups/{group}     upsert
//	DELETE /permissions/{kind}/{resource_id}/groups/{group}     revoke
//
//	GET    /regex-permissions/{kind}/users/{username}     list
//	POST   /regex-permissions/{kind}/users/{username}     create
//	PATCH  /regex-permissions/{id}                        update
//	DELETE /regex-permissions/{id}                        delete
//	GET    /regex-permissions/{kind}/groups/{group}       list
//	POST   /regex-permissions/{kind}/groups/{group}       create
//	DELETE /group-regex-permissions/{id}                  delete
//
//	POST   /tokens                     issue a token (secret shown once)
//	GET    /tokens                     list the caller's tokens
//	DELETE /tokens/{name}              revoke one of the caller's tokens
//
//	GET    /audit                      search the permission change trail
package api
